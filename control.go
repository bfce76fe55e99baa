package ftpsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// maxReplyLineLen bounds a single reply line; longer lines are truncated.
const maxReplyLineLen = 4096

// codeMalformedReply is the synthetic code given to a reply that does not
// start with three digits. It is permanent-class and never sent by servers.
const codeMalformedReply = 599

// PrintPolicy controls whether a Response is handed to the response printer.
type PrintPolicy int

const (
	// PrintDefault defers to the session verbosity.
	PrintDefault PrintPolicy = iota
	// PrintAlways shows the response regardless of verbosity.
	PrintAlways
	// PrintNever hides the response regardless of verbosity.
	PrintNever
)

// Verbosity selects which PrintDefault responses are shown.
type Verbosity int

const (
	VerbosityQuiet Verbosity = iota
	VerbosityErrors
	VerbosityVerbose
)

// ResponsePrinter receives the responses selected for display.
type ResponsePrinter func(*Response)

// Response represents an FTP server response.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550)
	Code int

	// Message is the human-readable message from the server
	Message string

	// Lines contains all lines of the response (for multi-line responses)
	Lines []string

	// Print is set by the caller before the command is issued.
	Print PrintPolicy

	// EOFExpected tells the reader that the server may close the
	// connection after this command (QUIT).
	EOFExpected bool

	// SawEOF is set when the server closed the connection while this
	// response was being read.
	SawEOF bool
}

// Class returns the first digit of the reply code: 1 preliminary,
// 2 success, 3 intermediate, 4 transient failure, 5 permanent failure.
func (r *Response) Class() int {
	return r.Code / 100
}

// Is1xx returns true if the response code is in the 1xx range (preliminary).
func (r *Response) Is1xx() bool {
	return r.Class() == 1
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Class() == 2
}

// Is3xx returns true if the response code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Class() == 3
}

// Is4xx returns true if the response code is in the 4xx range (temporary failure).
func (r *Response) Is4xx() bool {
	return r.Class() == 4
}

// Is5xx returns true if the response code is in the 5xx range (permanent failure).
func (r *Response) Is5xx() bool {
	return r.Class() == 5
}

// String returns the full response as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// parseReplyCode extracts the code from the first line of a reply and
// reports whether the line continues ("DDD-").
func parseReplyCode(line string) (code int, more bool, ok bool) {
	if len(line) < 3 {
		return 0, false, false
	}
	for i := range 3 {
		if line[i] < '0' || line[i] > '9' {
			return 0, false, false
		}
		code = code*10 + int(line[i]-'0')
	}
	if code < 100 {
		return 0, false, false
	}
	return code, len(line) > 3 && line[3] == '-', true
}

// replyMessage strips the code prefix from each line. Continuation lines
// that do not repeat the code (RFC 2389 style) are kept verbatim.
func replyMessage(code int, lines []string) string {
	prefix := fmt.Sprintf("%03d", code)
	msgs := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			switch {
			case len(l) == 3:
				l = ""
			case l[3] == '-' || l[3] == ' ':
				l = l[4:]
			}
		}
		msgs = append(msgs, l)
	}
	return strings.Join(msgs, "\n")
}

// isTerminalLine reports whether line closes a multi-line reply with the
// given prefix ("DDD").
func isTerminalLine(line, prefix string) bool {
	return line == prefix || strings.HasPrefix(line, prefix+" ")
}

// readReply reads one complete reply into resp.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
//
// A reply without a leading code becomes a synthetic permanent failure.
// End of stream, a timeout or a 421 reply tear the session down.
func (s *Session) readReply(resp *Response) error {
	line, err := s.telnet.readLine(maxReplyLineLen)
	if err != nil {
		return s.replyFailed(resp, err)
	}

	code, more, ok := parseReplyCode(line)
	if !ok {
		resp.Code = codeMalformedReply
		resp.Message = line
		resp.Lines = []string{line}
		s.report(resp)
		return nil
	}

	resp.Code = code
	resp.Lines = append(resp.Lines[:0], line)
	if more {
		prefix := line[:3]
		for {
			line, err = s.telnet.readLine(maxReplyLineLen)
			if err != nil {
				return s.replyFailed(resp, err)
			}
			resp.Lines = append(resp.Lines, line)
			if isTerminalLine(line, prefix) {
				break
			}
		}
	}
	resp.Message = replyMessage(code, resp.Lines)
	s.report(resp)

	if resp.Code == 421 {
		s.logger.Warn("server is shutting down the session", "message", resp.Message)
		s.teardown()
		return ErrServiceClosing
	}
	return nil
}

// replyFailed handles a read error in the middle of a reply.
func (s *Session) replyFailed(resp *Response, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, ErrBrokenPipe) {
		resp.SawEOF = true
		s.teardown()
		if resp.EOFExpected {
			s.logger.Debug("server closed control connection as expected")
			return nil
		}
		if s.readingStartup {
			s.logger.Debug("server closed connection before greeting")
		} else {
			s.logger.Warn("server closed control connection unexpectedly")
		}
		return ErrConnectionLost
	}

	s.logger.Error("control connection failed, closing session", "error", err)
	s.teardown()
	return fmt.Errorf("failed to read response: %w", err)
}

// report logs a response and forwards it to the printer when its policy
// selects it.
func (s *Session) report(resp *Response) {
	s.logger.Debug("ftp response", "code", resp.Code, "message", resp.Message)
	if s.printer == nil {
		return
	}
	show := false
	switch resp.Print {
	case PrintAlways:
		show = true
	case PrintNever:
		show = false
	default:
		switch s.verbosity {
		case VerbosityVerbose:
			show = true
		case VerbosityErrors:
			show = resp.Class() >= 4
		}
	}
	if show {
		s.printer(resp)
	}
}

// redactCommand hides the argument of credential-bearing commands.
func redactCommand(line string) string {
	name, _, hasArg := strings.Cut(line, " ")
	switch strings.ToUpper(name) {
	case "PASS", "ACCT":
		if hasArg {
			return name + " ********"
		}
	}
	return line
}

// writeCommand formats and sends one command line. Must hold s.mu.
func (s *Session) writeCommand(command string, args ...string) error {
	cmd := command
	if len(args) > 0 {
		cmd = fmt.Sprintf("%s %s", command, strings.Join(args, " "))
	}

	s.logger.Debug("ftp command", "cmd", redactCommand(cmd))
	s.lastCommand = time.Now()

	if _, err := s.bconn.Write(encodeTelnetLine(cmd)); err != nil {
		s.logger.Error("failed to send command, closing session", "error", err)
		s.teardown()
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

// transferOwner is the context key a running Transfer stores its session
// under, so that its own commands pass ownsControl.
type transferOwner struct{}

// ownsControl reports whether a command issued with ctx may use the control
// channel. While a transfer runs, only the transfer itself may.
func (s *Session) ownsControl(ctx context.Context) bool {
	if !s.transferring.Load() {
		return true
	}
	owner, _ := ctx.Value(transferOwner{}).(*Session)
	return owner == s
}

// control runs fn with exclusive use of the control channel, bounding its
// reads and writes by ctx.
func (s *Session) control(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected.Load() {
		return ErrNotConnected
	}
	if !s.ownsControl(ctx) {
		return ErrTransferInProgress
	}
	s.bconn.ctx = ctx
	defer func() { s.bconn.ctx = nil }()

	return fn()
}

// exchange sends a command and reads its reply. Must hold s.mu.
func (s *Session) exchange(resp *Response, command string, args ...string) error {
	if err := s.writeCommand(command, args...); err != nil {
		return err
	}
	return s.readReply(resp)
}

// roundTrip sends a command and reads its reply into resp. It enforces
// strict request/response alternation through s.mu.
func (s *Session) roundTrip(ctx context.Context, resp *Response, command string, args ...string) error {
	return s.control(ctx, func() error {
		return s.exchange(resp, command, args...)
	})
}

// readFinal reads a reply that was not triggered by a new command, such as
// the completion reply of a data transfer.
func (s *Session) readFinal(ctx context.Context, resp *Response) error {
	return s.control(ctx, func() error {
		return s.readReply(resp)
	})
}

// tryReadReply reads a reply only if one starts arriving within wait. It
// reports false, without tearing anything down, when the server stayed
// silent. Must hold s.mu.
func (s *Session) tryReadReply(resp *Response, wait time.Duration) (bool, error) {
	saved := s.bconn.timeout
	s.bconn.timeout = wait
	_, err := s.reader.Peek(1)
	s.bconn.timeout = saved
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return false, nil
		}
		return false, s.replyFailed(resp, err)
	}
	return true, s.readReply(resp)
}

// sendCommand sends an FTP command and returns the response.
func (s *Session) sendCommand(ctx context.Context, command string, args ...string) (*Response, error) {
	resp := &Response{}
	if err := s.roundTrip(ctx, resp, command, args...); err != nil {
		return nil, err
	}
	return resp, nil
}

// expectCode sends a command and verifies the response code matches the expected code.
// Returns an error if the code doesn't match or if the command fails.
func (s *Session) expectCode(ctx context.Context, expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := s.sendCommand(ctx, command, args...)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, newProtocolError(joinCommand(command, args), resp)
	}

	return resp, nil
}

// expectLocked is expectCode for callers that already hold s.mu.
func (s *Session) expectLocked(expectedCode int, command string, args ...string) error {
	resp := &Response{}
	if err := s.exchange(resp, command, args...); err != nil {
		return err
	}
	if resp.Code != expectedCode {
		return newProtocolError(joinCommand(command, args), resp)
	}
	return nil
}

// expect2xx sends a command and verifies the response is in the 2xx range (success).
func (s *Session) expect2xx(ctx context.Context, command string, args ...string) (*Response, error) {
	resp, err := s.sendCommand(ctx, command, args...)
	if err != nil {
		return nil, err
	}

	if !resp.Is2xx() {
		return resp, newProtocolError(joinCommand(command, args), resp)
	}

	return resp, nil
}

func joinCommand(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// Issue sends a command and returns the status class of its reply. Like
// every other command it fails with ErrTransferInProgress while a transfer
// is waiting for its completion reply.
func (s *Session) Issue(ctx context.Context, command string, args ...string) (int, error) {
	resp, err := s.sendCommand(ctx, command, args...)
	if err != nil {
		return 0, err
	}
	return resp.Class(), nil
}

// SimpleCommand sends a raw command line and returns the server's reply.
// The reply is always shown to the response printer.
//
// Example:
//
//	resp, err := session.SimpleCommand(ctx, "SITE CHMOD 755 script.sh")
func (s *Session) SimpleCommand(ctx context.Context, text string) (*Response, error) {
	resp := &Response{Print: PrintAlways}
	if err := s.roundTrip(ctx, resp, text); err != nil {
		return nil, err
	}
	return resp, nil
}
