package ftpsession

import (
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer provides a simple way to script server responses
type mockServer struct {
	t        *testing.T
	listener net.Listener
	addr     string

	// greeting is sent on connect; empty means "220 Service ready".
	greeting string

	// handlers override the default reply for a command.
	// Key: Command (e.g., "RETR").
	handlers map[string]func(c *textproto.Conn, args string)

	// dataListener is opened by the default PASV handler
	dataListener net.Listener

	mu       sync.Mutex
	received []string

	done chan struct{}
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return &mockServer{
		t:        t,
		listener: l,
		addr:     l.Addr().String(),
		handlers: make(map[string]func(*textproto.Conn, string)),
		done:     make(chan struct{}),
	}
}

func (s *mockServer) handle(cmd string, h func(c *textproto.Conn, args string)) {
	s.handlers[cmd] = h
}

func (s *mockServer) start() {
	go func() {
		defer close(s.done)
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := s.greeting
		if greeting == "" {
			greeting = "220 Service ready"
		}
		fmt.Fprintf(conn, "%s\r\n", greeting)

		textConn := textproto.NewConn(conn)
		defer textConn.Close()

		for {
			line, err := textConn.ReadLine()
			if err != nil {
				return
			}

			cmd, args, _ := strings.Cut(line, " ")
			cmd = strings.ToUpper(cmd)

			s.mu.Lock()
			s.received = append(s.received, line)
			s.mu.Unlock()

			if handler, ok := s.handlers[cmd]; ok {
				handler(textConn, args)
				continue
			}
			switch cmd {
			case "USER":
				_ = textConn.PrintfLine("331 User name okay, need password.")
			case "PASS":
				_ = textConn.PrintfLine("230 User logged in, proceed.")
			case "QUIT":
				_ = textConn.PrintfLine("221 Service closing control connection.")
				return
			case "TYPE", "MODE", "NOOP":
				_ = textConn.PrintfLine("200 Command okay.")
			case "PASV":
				_ = textConn.PrintfLine("227 Entering Passive Mode (%s).", s.listenData())
			default:
				_ = textConn.PrintfLine("502 Command not implemented.")
			}
		}
	}()
}

// listenData opens a passive data listener and returns its address in
// PASV octet form.
func (s *mockServer) listenData() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Error(err)
		return ""
	}
	s.mu.Lock()
	if s.dataListener != nil {
		s.dataListener.Close()
	}
	s.dataListener = l
	s.mu.Unlock()
	port := l.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("127,0,0,1,%d,%d", port>>8, port&0xFF)
}

// acceptData waits for the client to open the passive data connection.
func (s *mockServer) acceptData() net.Conn {
	s.mu.Lock()
	l := s.dataListener
	s.mu.Unlock()
	if l == nil {
		s.t.Error("no data listener")
		return nil
	}
	_ = l.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := l.Accept()
	if err != nil {
		s.t.Errorf("accept data connection: %v", err)
		return nil
	}
	return conn
}

// commands returns the command lines received so far.
func (s *mockServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// count returns how many received lines start with cmd.
func (s *mockServer) count(cmd string) int {
	n := 0
	for _, line := range s.commands() {
		name, _, _ := strings.Cut(line, " ")
		if strings.EqualFold(name, cmd) {
			n++
		}
	}
	return n
}

func (s *mockServer) stop() {
	s.listener.Close()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataListener != nil {
		s.dataListener.Close()
	}
}

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newConnSession wraps an already connected control connection in a
// Session without reading a greeting.
func newConnSession(t *testing.T, conn net.Conn, timeout time.Duration) *Session {
	t.Helper()
	s := &Session{
		id:               uuid.New(),
		host:             "127.0.0.1",
		timeout:          timeout,
		dialer:           &net.Dialer{Timeout: timeout},
		logger:           discardLogger(),
		verbosity:        VerbosityErrors,
		progressInterval: DefaultProgressInterval,
		linger:           -1,
		anonPassword:     "anonymous@",
		passiveFallback:  true,
	}
	s.attach(conn)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
