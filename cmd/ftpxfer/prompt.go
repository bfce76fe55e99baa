package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// termPrompter asks for credentials on the terminal. Secrets are read
// without echo when stdin is a terminal.
type termPrompter struct {
	in  *os.File
	out io.Writer
	r   *bufio.Reader
}

func newTermPrompter(in *os.File, out io.Writer) *termPrompter {
	return &termPrompter{in: in, out: out, r: bufio.NewReader(in)}
}

func (p *termPrompter) Ask(prompt, def string, echo bool) (string, error) {
	if def != "" {
		prompt = fmt.Sprintf("%s[%s] ", prompt, def)
	}
	fmt.Fprint(p.out, prompt)

	var answer string
	fd := int(p.in.Fd())
	if !echo && term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		answer = string(b)
	} else {
		line, err := p.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return def, nil
			}
			return "", err
		}
		answer = strings.TrimRight(line, "\r\n")
	}

	if answer == "" {
		return def, nil
	}
	return answer, nil
}
