package ftpsession

import (
	"bufio"
	"io"
	"strings"
)

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetSB starts a subnegotiation, telnetSE ends it
	telnetSB = 0xFA
	telnetSE = 0xF0
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

// telnetReader reads control channel lines and answers Telnet option
// negotiation that the server embeds in its replies. Every option is
// refused: WILL/WONT are answered with DONT, DO/DONT with WONT.
type telnetReader struct {
	r *bufio.Reader
	w io.Writer
}

func newTelnetReader(r *bufio.Reader, w io.Writer) *telnetReader {
	return &telnetReader{r: r, w: w}
}

// readLine returns the next line without its terminator. CR LF (or a bare
// LF) ends the line, CR NUL decodes to a literal CR and negotiation
// sequences never reach the caller. Bytes past maxLen are consumed and
// dropped. If the stream ends first, the partial line is returned together
// with the read error.
func (t *telnetReader) readLine(maxLen int) (string, error) {
	var line []byte
	put := func(b byte) {
		if maxLen <= 0 || len(line) < maxLen {
			line = append(line, b)
		}
	}

	for {
		b, err := t.r.ReadByte()
		if err != nil {
			return string(line), err
		}

		switch b {
		case telnetIAC:
			if err := t.negotiate(put); err != nil {
				return string(line), err
			}
		case '\r':
			next, err := t.r.ReadByte()
			if err != nil {
				put('\r')
				return string(line), err
			}
			switch next {
			case '\n':
				return string(line), nil
			case 0:
				put('\r')
			default:
				put('\r')
				_ = t.r.UnreadByte()
			}
		case '\n':
			return string(line), nil
		default:
			put(b)
		}
	}
}

// negotiate handles the bytes following an IAC.
func (t *telnetReader) negotiate(put func(byte)) error {
	cmd, err := t.r.ReadByte()
	if err != nil {
		return err
	}

	var refusal byte
	switch cmd {
	case telnetWILL, telnetWONT:
		refusal = telnetDONT
	case telnetDO, telnetDONT:
		refusal = telnetWONT
	case telnetIAC:
		// Escaped 0xFF, keep it
		put(telnetIAC)
		return nil
	case telnetSB:
		return t.skipSubnegotiation()
	default:
		// Other commands are 2 bytes (IAC CMD), we already read both.
		return nil
	}

	opt, err := t.r.ReadByte()
	if err != nil {
		return err
	}
	_, err = t.w.Write([]byte{telnetIAC, refusal, opt})
	return err
}

// skipSubnegotiation discards everything up to and including IAC SE.
func (t *telnetReader) skipSubnegotiation() error {
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			return err
		}
		if b != telnetIAC {
			continue
		}
		next, err := t.r.ReadByte()
		if err != nil {
			return err
		}
		if next == telnetSE {
			return nil
		}
	}
}

// encodeTelnetLine returns s framed for the control channel: a CR inside the
// text goes out as CR NUL, 0xFF is doubled and CR LF terminates the line.
func encodeTelnetLine(s string) []byte {
	if strings.IndexByte(s, '\r') < 0 && strings.IndexByte(s, telnetIAC) < 0 {
		return []byte(s + "\r\n")
	}
	out := make([]byte, 0, len(s)+8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r':
			out = append(out, '\r', 0)
		case telnetIAC:
			out = append(out, telnetIAC, telnetIAC)
		default:
			out = append(out, s[i])
		}
	}
	return append(out, '\r', '\n')
}
