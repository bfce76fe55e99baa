package ftpsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DataChannelMode says which side listens for the data connection.
type DataChannelMode int

const (
	// ModeServerListens is passive mode (PASV): the client connects.
	ModeServerListens DataChannelMode = iota
	// ModeClientListens is active mode (PORT): the server connects back.
	ModeClientListens
)

func (m DataChannelMode) String() string {
	if m == ModeClientListens {
		return "active"
	}
	return "passive"
}

// octetsRegex matches the six comma separated numbers of a PASV reply:
// 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
var octetsRegex = regexp.MustCompile(`(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)`)

// hostPort is a decoded a1,a2,a3,a4,p1,p2 address.
type hostPort struct {
	ip   net.IP
	port int
}

func (hp hostPort) String() string {
	return net.JoinHostPort(hp.ip.String(), strconv.Itoa(hp.port))
}

// parseOctets decodes the first run of six integers in a PASV reply. Values
// outside [0,255] are truncated to a byte and reported as suspicious.
func parseOctets(msg string) (hp hostPort, suspicious bool, err error) {
	m := octetsRegex.FindStringSubmatch(msg)
	if m == nil {
		return hostPort{}, false, fmt.Errorf("invalid PASV response: %s", msg)
	}

	var b [6]byte
	for i := range b {
		v, err := strconv.Atoi(m[i+1])
		if err != nil || v < 0 || v > 255 {
			suspicious = true
		}
		b[i] = byte(v)
	}
	return hostPort{
		ip:   net.IPv4(b[0], b[1], b[2], b[3]),
		port: int(b[4])<<8 | int(b[5]),
	}, suspicious, nil
}

// encodeOctets formats an IPv4 address for the PORT command.
// Converts 192.168.1.100:50000 to "192,168,1,100,195,80".
func encodeOctets(addr *net.TCPAddr) (string, error) {
	ip := addr.IP.To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires IPv4 address, got %s", addr.IP)
	}
	if addr.Port < 0 || addr.Port > 0xFFFF {
		return "", fmt.Errorf("invalid port: %d", addr.Port)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], addr.Port>>8, addr.Port&0xFF), nil
}

// resolveDataAddr resolves the data connection address.
// If the PASV response contains 0.0.0.0, it replaces it with the control connection host.
func resolveDataAddr(hp hostPort, controlHost string) string {
	if hp.ip.IsUnspecified() {
		return net.JoinHostPort(controlHost, strconv.Itoa(hp.port))
	}
	return hp.String()
}

// dataChannel is the per-transfer second connection. In active mode conn is
// nil until accept succeeds.
type dataChannel struct {
	mode     DataChannelMode
	conn     net.Conn
	listener *net.TCPListener

	timeout time.Duration
	linger  time.Duration
	logger  *slog.Logger
	wrap    func(net.Conn) net.Conn

	closeOnce sync.Once
	closeErr  error
}

// accept waits for the server to connect back. It is a no-op in passive
// mode. The listener is closed once a connection arrives.
func (d *dataChannel) accept(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}
	if d.listener == nil {
		return errors.New("data channel has no listener")
	}

	var deadline time.Time
	if d.timeout > 0 {
		deadline = time.Now().Add(d.timeout)
	}
	if err := d.listener.SetDeadline(deadline); err != nil {
		return err
	}
	stop := wakeOnCancel(ctx, d.listener.SetDeadline)
	conn, err := d.listener.Accept()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("waiting for server to connect: %w", ErrTimeout)
		}
		return fmt.Errorf("accept data connection: %w", err)
	}

	_ = d.listener.Close()
	d.logger.Debug("data connection accepted", "remote", conn.RemoteAddr())
	tuneSocket(conn, d.linger, d.logger)
	if d.wrap != nil {
		conn = d.wrap(conn)
	}
	d.conn = conn
	return nil
}

// Close closes the data connection and the listener. Only the first call
// has an effect.
func (d *dataChannel) Close() error {
	d.closeOnce.Do(func() {
		var result *multierror.Error
		if d.conn != nil {
			if err := d.conn.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if d.listener != nil {
			if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, err)
			}
		}
		d.closeErr = result.ErrorOrNil()
	})
	return d.closeErr
}

// openDataChannel negotiates the data connection for one transfer. PASV is
// tried first unless active mode is forced or the server already refused
// it; a failed PASV falls back to PORT when allowed.
func (s *Session) openDataChannel(ctx context.Context, forceActive bool) (*dataChannel, error) {
	if s.passiveOK.Load() && !forceActive && !s.forceActive {
		dc, fallback, err := s.openPassive(ctx)
		if err == nil {
			return dc, nil
		}
		if !fallback || !s.passiveFallback {
			return nil, err
		}
		s.logger.Info("passive mode failed, falling back to active mode", "error", err)
	}
	return s.openActive(ctx)
}

// openPassive sends PASV and connects to the advertised address. fallback
// reports whether the failure is one that PORT may work around; control
// channel failures never are.
func (s *Session) openPassive(ctx context.Context) (dc *dataChannel, fallback bool, err error) {
	// A reply is always read to the end; ctx only bounds the connect.
	resp, err := s.sendCommand(context.WithoutCancel(ctx), "PASV")
	if err != nil {
		return nil, false, fmt.Errorf("PASV failed: %w", err)
	}
	if !resp.Is2xx() {
		if resp.Is5xx() {
			s.passiveOK.Store(false)
			s.logger.Info("server refused passive mode, not trying it again", "code", resp.Code)
		}
		return nil, true, fmt.Errorf("%w: %w", ErrPassiveRefused, newProtocolError("PASV", resp))
	}

	hp, suspicious, err := parseOctets(resp.Message)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %w", ErrPassiveRefused, err)
	}
	if suspicious {
		// Known misbehaving servers send octets above 255 and refuse the
		// truncated address anyway.
		return nil, true, fmt.Errorf("%w: address out of range in %q", ErrPassiveRefused, resp.Message)
	}

	addr := resolveDataAddr(hp, s.host)
	s.logger.Debug("opening passive data connection", "addr", addr)
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ErrCanceled
		}
		return nil, errors.Is(err, syscall.ECONNREFUSED), fmt.Errorf("failed to connect to data port: %w", err)
	}
	tuneSocket(conn, s.linger, s.logger)
	if s.wrapDataConn != nil {
		conn = s.wrapDataConn(conn)
	}

	return &dataChannel{
		mode:    ModeServerListens,
		conn:    conn,
		timeout: s.timeout,
		linger:  s.linger,
		logger:  s.logger,
	}, false, nil
}

// openActive listens on an ephemeral port of the control connection's local
// address and announces it with PORT. The server connects after the
// transfer command; see dataChannel.accept.
func (s *Session) openActive(ctx context.Context) (*dataChannel, error) {
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("local address: %w", err)
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	listener := l.(*net.TCPListener)

	arg, err := encodeOctets(listener.Addr().(*net.TCPAddr))
	if err != nil {
		listener.Close()
		return nil, err
	}

	resp, err := s.sendCommand(context.WithoutCancel(ctx), "PORT", arg)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("PORT failed: %w", err)
	}
	if !resp.Is2xx() {
		listener.Close()
		return nil, fmt.Errorf("%w: %w", ErrActiveRefused, newProtocolError("PORT "+arg, resp))
	}

	s.logger.Debug("listening for active data connection", "addr", listener.Addr())
	return &dataChannel{
		mode:     ModeClientListens,
		listener: listener,
		timeout:  s.timeout,
		linger:   s.linger,
		logger:   s.logger,
		wrap:     s.wrapDataConn,
	}, nil
}

// iptosThroughput is the IPTOS_THROUGHPUT type-of-service value.
const iptosThroughput = 0x08

// tuneSocket lets a closing data connection drain its buffered output and
// asks for throughput-oriented service. Both are best effort.
func tuneSocket(conn net.Conn, linger time.Duration, logger *slog.Logger) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if linger >= 0 {
		if err := tc.SetLinger(int(linger / time.Second)); err != nil {
			logger.Debug("SO_LINGER not applied", "error", err)
		}
	}
	if err := setThroughputTOS(tc); err != nil {
		logger.Debug("IP_TOS not applied", "error", err)
	}
}
