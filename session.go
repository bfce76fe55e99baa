package ftpsession

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/ftpsession/internal/ratelimit"
)

// DefaultTimeout bounds every control and data channel read or write.
const DefaultTimeout = 30 * time.Second

// Session is one authenticated conversation with an FTP server: a control
// connection plus at most one data connection at a time.
//
// Commands are serialized: a Session may be shared between goroutines, but
// a second command waits until the reply to the first has been read.
type Session struct {
	// conn is the underlying network connection (control channel)
	conn net.Conn

	// bconn bounds every control channel read and write by timeout
	bconn *boundedConn

	// reader buffers the control channel for the telnet line reader
	reader *bufio.Reader
	telnet *telnetReader

	// host and port for the connection
	host string
	port string

	id       uuid.UUID
	greeting *Response

	// timeout is the timeout for operations
	timeout time.Duration

	// dialer is used to establish control and passive data connections
	dialer *net.Dialer

	// logger is used for debug logging
	logger *slog.Logger

	verbosity Verbosity
	printer   ResponsePrinter
	prompter  Prompter
	history   HistorySink
	limiter   *ratelimit.Limiter

	progressInterval time.Duration
	linger           time.Duration
	anonPassword     string

	// forceActive skips PASV for every transfer
	forceActive bool

	// passiveFallback allows PORT after a failed PASV attempt
	passiveFallback bool

	// passiveOK is cleared once the server refuses PASV and stays cleared
	// for the rest of the session
	passiveOK atomic.Bool

	// currentType and currentMode track the last TYPE and MODE the server
	// accepted, to avoid redundant commands. Guarded by mu.
	currentType string
	currentMode string

	// mu enforces strict command/reply alternation
	mu sync.Mutex

	connected      atomic.Bool
	readingStartup bool

	anonymous bool
	user      string

	// transferring is set while a transfer owns the data channel
	transferring atomic.Bool
	activeData   atomic.Pointer[dataChannel]

	// wrapDataConn, if set, wraps every data connection once it is open
	wrapDataConn func(net.Conn) net.Conn

	// lastCommand tracks the time of the last command sent
	lastCommand time.Time

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to an FTP server at the given address and reads its
// greeting. The address should be in the form "host:port".
//
// Errors are always *ConnectError; its Kind tells whether redialing may
// help.
//
// Example:
//
//	s, err := ftpsession.Dial(ctx, "ftp.example.com:21",
//	    ftpsession.WithTimeout(10*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Quit(ctx)
func Dial(ctx context.Context, addr string, options ...Option) (*Session, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Kind: ConnectFatal, Err: fmt.Errorf("invalid address: %w", err)}
	}

	s := &Session{
		host:             host,
		port:             port,
		id:               uuid.New(),
		timeout:          DefaultTimeout,
		dialer:           &net.Dialer{},
		logger:           slog.New(slog.DiscardHandler),
		verbosity:        VerbosityErrors,
		progressInterval: DefaultProgressInterval,
		linger:           5 * time.Second,
		anonPassword:     "anonymous@",
		passiveFallback:  true,
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, &ConnectError{Addr: addr, Kind: ConnectFatal, Err: fmt.Errorf("failed to apply option: %w", err)}
		}
	}
	s.logger = s.logger.With("session", s.id.String())
	s.dialer.Timeout = s.timeout

	s.logger.Debug("connecting to ftp server", "addr", addr)
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		kind := classifyDialError(err)
		s.logger.Debug("connect failed", "addr", addr, "kind", kind, "error", err)
		return nil, &ConnectError{Addr: addr, Kind: kind, Err: err}
	}
	s.attach(conn)

	if err := s.readGreeting(ctx, addr); err != nil {
		_ = s.teardown()
		return nil, err
	}
	s.lastCommand = time.Now()
	return s, nil
}

// DialRetry calls Dial up to attempts times, waiting delay between tries,
// as long as the failure is retryable.
func DialRetry(ctx context.Context, addr string, attempts int, delay time.Duration, options ...Option) (*Session, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := range attempts {
		s, err := Dial(ctx, addr, options...)
		if err == nil {
			return s, nil
		}
		lastErr = err

		var ce *ConnectError
		if !errors.As(err, &ce) || !ce.Temporary() || i == attempts-1 {
			break
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &ConnectError{Addr: addr, Kind: ConnectFatal, Err: ErrCanceled}
		case <-t.C:
		}
	}
	return nil, lastErr
}

// classifyDialError separates failures that a redial cannot fix from
// transient network conditions.
func classifyDialError(err error) ConnectKind {
	var dnsErr *net.DNSError
	var addrErr *net.AddrError
	switch {
	case errors.Is(err, context.Canceled):
		return ConnectFatal
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return ConnectFatal
	case errors.As(err, &addrErr):
		return ConnectFatal
	default:
		return ConnectRetryable
	}
}

func (s *Session) attach(conn net.Conn) {
	s.conn = conn
	s.bconn = &boundedConn{conn: conn, timeout: s.timeout}
	s.reader = bufio.NewReader(s.bconn)
	s.telnet = newTelnetReader(s.reader, s.bconn)
	s.passiveOK.Store(true)
	s.connected.Store(true)
}

// readGreeting consumes the server's welcome. A 120 ("ready in nnn
// minutes") is followed by the real greeting.
func (s *Session) readGreeting(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readingStartup = true
	defer func() { s.readingStartup = false }()
	s.bconn.ctx = ctx
	defer func() { s.bconn.ctx = nil }()

	for {
		resp := &Response{}
		if err := s.readReply(resp); err != nil {
			kind := ConnectRetryableGreeting
			if errors.Is(err, ErrCanceled) {
				kind = ConnectFatal
			}
			return &ConnectError{Addr: addr, Kind: kind, Err: fmt.Errorf("failed to read greeting: %w", err)}
		}

		switch {
		case resp.Code == 120:
			s.logger.Info("server not ready yet, waiting", "message", resp.Message)
			continue
		case resp.Is2xx():
			s.logger.Debug("ftp greeting", "code", resp.Code, "message", resp.Message)
			s.greeting = resp
			return nil
		case resp.Is4xx():
			return &ConnectError{Addr: addr, Kind: ConnectRetryableGreeting, Err: newProtocolError("CONNECT", resp)}
		default:
			return &ConnectError{Addr: addr, Kind: ConnectFatal, Err: newProtocolError("CONNECT", resp)}
		}
	}
}

// teardown closes the control connection. It is safe to call more than
// once and from any goroutine; it does not take s.mu.
func (s *Session) teardown() error {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		s.closeErr = s.conn.Close()
		s.logger.Debug("control connection closed")
	})
	return s.closeErr
}

// Close closes the data connection, if any, and the control connection
// without saying goodbye to the server.
func (s *Session) Close() error {
	var result *multierror.Error
	if dc := s.activeData.Load(); dc != nil {
		if err := dc.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("data connection: %w", err))
		}
	}
	if err := s.teardown(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("control connection: %w", err))
	}
	return result.ErrorOrNil()
}

// Quit sends QUIT, tolerating the server hanging up on us, and closes the
// session. While a transfer is running Quit leaves the session alone and
// returns ErrTransferInProgress; Close tears it down unconditionally.
func (s *Session) Quit(ctx context.Context) error {
	var result *multierror.Error
	if s.connected.Load() {
		resp := &Response{EOFExpected: true}
		err := s.roundTrip(ctx, resp, "QUIT")
		if errors.Is(err, ErrTransferInProgress) {
			return err
		}
		if err != nil && !errors.Is(err, ErrNotConnected) {
			result = multierror.Append(result, err)
		}
	}
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Connected reports whether the control connection is still up.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Anonymous reports whether the last successful login used an anonymous
// alias.
func (s *Session) Anonymous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anonymous
}

// ID returns the random identifier attached to this session's log lines
// and history records.
func (s *Session) ID() string {
	return s.id.String()
}

// Peer returns the server host name as given to Dial.
func (s *Session) Peer() string {
	return s.host
}

// Greeting returns the server's welcome response.
func (s *Session) Greeting() *Response {
	return s.greeting
}

// PassiveSupported reports whether PASV is still tried for new transfers.
func (s *Session) PassiveSupported() bool {
	return s.passiveOK.Load()
}

// Noop sends a NOOP (no operation) command to the server.
func (s *Session) Noop(ctx context.Context) error {
	_, err := s.expect2xx(ctx, "NOOP")
	return err
}

// setType sets the representation type ("A" or "I").
func (s *Session) setType(ctx context.Context, transferType string) error {
	return s.control(ctx, func() error {
		if s.currentType == transferType {
			s.logger.Debug("transfer type already set, skipping TYPE command", "type", transferType)
			return nil
		}
		if err := s.expectLocked(200, "TYPE", transferType); err != nil {
			return err
		}
		s.currentType = transferType
		return nil
	})
}

// setMode sets the transmission mode ("S" or "B").
func (s *Session) setMode(ctx context.Context, mode string) error {
	return s.control(ctx, func() error {
		if s.currentMode == mode {
			return nil
		}
		// Stream is the default until the server has accepted something else.
		if s.currentMode == "" && mode == "S" {
			s.currentMode = mode
			return nil
		}
		if err := s.expectLocked(200, "MODE", mode); err != nil {
			return err
		}
		s.currentMode = mode
		return nil
	})
}

// Size returns the size of a remote file using the SIZE command
// (RFC 3659). The result is only meaningful in image type, so TYPE I is
// selected first.
func (s *Session) Size(ctx context.Context, path string) (int64, error) {
	if err := s.setType(ctx, "I"); err != nil {
		return 0, err
	}
	resp, err := s.expectCode(ctx, 213, "SIZE", path)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(resp.Message), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SIZE response: %s", resp.Message)
	}
	return size, nil
}

// ModTime returns the modification time of a remote file using the MDTM
// command (RFC 3659). The reply carries UTC time as YYYYMMDDhhmmss with an
// optional fraction, which is ignored.
func (s *Session) ModTime(ctx context.Context, path string) (time.Time, error) {
	resp, err := s.expectCode(ctx, 213, "MDTM", path)
	if err != nil {
		return time.Time{}, err
	}
	return parseMDTM(resp.Message)
}

func parseMDTM(msg string) (time.Time, error) {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '.'); i >= 0 {
		msg = msg[:i]
	}
	t, err := time.ParseInLocation("20060102150405", msg, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid MDTM response: %s", msg)
	}
	return t, nil
}
