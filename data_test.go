package ftpsession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"testing"
	"time"
)

func TestParseOctets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		input          string
		wantAddr       string
		wantSuspicious bool
		wantErr        bool
	}{
		{
			name:     "standard PASV response",
			input:    "Entering Passive Mode (192,168,1,1,195,149)",
			wantAddr: "192.168.1.1:50069",
		},
		{
			name:     "no parentheses",
			input:    "Entering Passive Mode 10,0,0,5,78,52",
			wantAddr: "10.0.0.5:20020",
		},
		{
			name:     "spaces between numbers",
			input:    "Entering Passive Mode (10, 0, 0, 5, 78, 52)",
			wantAddr: "10.0.0.5:20020",
		},
		{
			name:           "port octet above 255",
			input:          "Entering Passive Mode (127,0,0,1,300,1)",
			wantAddr:       "127.0.0.1:11265",
			wantSuspicious: true,
		},
		{
			name:           "host octet above 255",
			input:          "(256,0,0,1,4,1)",
			wantAddr:       "0.0.0.1:1025",
			wantSuspicious: true,
		},
		{
			name:    "invalid PASV response",
			input:   "Invalid response",
			wantErr: true,
		},
		{
			name:    "too few numbers",
			input:   "(192,168,1,1,195)",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hp, suspicious, err := parseOctets(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseOctets() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := hp.String(); got != tt.wantAddr {
				t.Errorf("address = %s, want %s", got, tt.wantAddr)
			}
			if suspicious != tt.wantSuspicious {
				t.Errorf("suspicious = %v, want %v", suspicious, tt.wantSuspicious)
			}
		})
	}
}

func TestEncodeOctets(t *testing.T) {
	t.Parallel()
	got, err := encodeOctets(&net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 50000})
	if err != nil {
		t.Fatal(err)
	}
	if got != "192,168,1,100,195,80" {
		t.Errorf("encodeOctets() = %q", got)
	}

	hp, suspicious, err := parseOctets(got)
	if err != nil || suspicious || hp.String() != "192.168.1.100:50000" {
		t.Errorf("parse of encoded address = %v, %v, %v", hp, suspicious, err)
	}

	if _, err := encodeOctets(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 21}); err == nil {
		t.Error("IPv6 address accepted")
	}
}

func TestResolveDataAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		pasv        string
		controlHost string
		wantAddr    string
	}{
		{
			name:        "normal address",
			pasv:        "(192,168,1,5,48,57)",
			controlHost: "10.0.0.1",
			wantAddr:    "192.168.1.5:12345",
		},
		{
			name:        "unspecified address uses control host",
			pasv:        "(0,0,0,0,48,57)",
			controlHost: "ftp.example.com",
			wantAddr:    "ftp.example.com:12345",
		},
	}
	for _, tt := range tests {
		hp, _, err := parseOctets(tt.pasv)
		if err != nil {
			t.Fatal(err)
		}
		if got := resolveDataAddr(hp, tt.controlHost); got != tt.wantAddr {
			t.Errorf("%s: resolveDataAddr() = %s, want %s", tt.name, got, tt.wantAddr)
		}
	}
}

func dialMock(t *testing.T, ms *mockServer, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithTimeout(2 * time.Second), WithLinger(-1)}, opts...)
	s, err := Dial(context.Background(), ms.addr, opts...)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return s
}

// handlePORT records PORT arguments and accepts them.
func handlePORT(ms *mockServer) chan string {
	ports := make(chan string, 4)
	ms.handle("PORT", func(c *textproto.Conn, args string) {
		ports <- args
		_ = c.PrintfLine("200 PORT command successful.")
	})
	return ports
}

func TestOpenDataChannel_Passive(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.start()
	defer ms.stop()

	s := dialMock(t, ms)
	defer s.Close()

	dc, err := s.openDataChannel(context.Background(), false)
	if err != nil {
		t.Fatalf("openDataChannel() error = %v", err)
	}
	defer dc.Close()

	if dc.mode != ModeServerListens {
		t.Errorf("mode = %v, want passive", dc.mode)
	}
	if conn := ms.acceptData(); conn != nil {
		conn.Close()
	}
	if err := dc.accept(context.Background()); err != nil {
		t.Errorf("accept() in passive mode = %v, want nil", err)
	}
}

func TestOpenDataChannel_SuspiciousOctets(t *testing.T) {
	t.Parallel()

	t.Run("fallback enabled", func(t *testing.T) {
		t.Parallel()
		ms := newMockServer(t)
		ms.handle("PASV", func(c *textproto.Conn, args string) {
			_ = c.PrintfLine("227 Entering Passive Mode (127,0,0,1,300,1)")
		})
		ports := handlePORT(ms)
		ms.start()
		defer ms.stop()

		s := dialMock(t, ms)
		defer s.Close()

		dc, err := s.openDataChannel(context.Background(), false)
		if err != nil {
			t.Fatalf("openDataChannel() error = %v", err)
		}
		defer dc.Close()

		if dc.mode != ModeClientListens {
			t.Fatalf("mode = %v, want active after fallback", dc.mode)
		}

		// Play the server: connect back to the announced address.
		hp, suspicious, err := parseOctets(<-ports)
		if err != nil || suspicious {
			t.Fatalf("announced PORT address unusable: %v", err)
		}
		conn, err := net.Dial("tcp", hp.String())
		if err != nil {
			t.Fatalf("connect to PORT address: %v", err)
		}
		defer conn.Close()

		if err := dc.accept(context.Background()); err != nil {
			t.Fatalf("accept() error = %v", err)
		}
		if dc.conn == nil {
			t.Error("no data connection after accept")
		}
	})

	t.Run("fallback disabled", func(t *testing.T) {
		t.Parallel()
		ms := newMockServer(t)
		ms.handle("PASV", func(c *textproto.Conn, args string) {
			_ = c.PrintfLine("227 Entering Passive Mode (127,0,0,1,300,1)")
		})
		ms.start()
		defer ms.stop()

		s := dialMock(t, ms, WithPassiveFallback(false))
		defer s.Close()

		_, err := s.openDataChannel(context.Background(), false)
		if !errors.Is(err, ErrPassiveRefused) {
			t.Fatalf("error = %v, want ErrPassiveRefused", err)
		}
		if n := ms.count("PORT"); n != 0 {
			t.Errorf("PORT sent %d times without fallback", n)
		}
		if !s.Connected() {
			t.Error("session closed after a refused data channel")
		}
	})
}

func TestOpenDataChannel_PassiveRefused(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.handle("PASV", func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("500 PASV not understood.")
	})
	handlePORT(ms)
	ms.start()
	defer ms.stop()

	s := dialMock(t, ms)
	defer s.Close()

	// PassiveSupported may be read from any goroutine while PASV is refused.
	done := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-done:
				return
			default:
				_ = s.PassiveSupported()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	for range 2 {
		dc, err := s.openDataChannel(context.Background(), false)
		if err != nil {
			t.Fatalf("openDataChannel() error = %v", err)
		}
		if dc.mode != ModeClientListens {
			t.Errorf("mode = %v, want active", dc.mode)
		}
		dc.Close()
	}
	close(done)
	<-polled

	if s.PassiveSupported() {
		t.Error("PassiveSupported() still true after 500")
	}
	if n := ms.count("PASV"); n != 1 {
		t.Errorf("PASV sent %d times, want 1", n)
	}
	if n := ms.count("PORT"); n != 2 {
		t.Errorf("PORT sent %d times, want 2", n)
	}
}

func TestOpenDataChannel_ConnectionRefused(t *testing.T) {
	t.Parallel()

	// Reserve a port and free it again so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ms := newMockServer(t)
	ms.handle("PASV", func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("227 Entering Passive Mode (127,0,0,1,%d,%d)", port>>8, port&0xFF)
	})
	handlePORT(ms)
	ms.start()
	defer ms.stop()

	s := dialMock(t, ms)
	defer s.Close()

	dc, err := s.openDataChannel(context.Background(), false)
	if err != nil {
		t.Fatalf("openDataChannel() error = %v", err)
	}
	defer dc.Close()
	if dc.mode != ModeClientListens {
		t.Errorf("mode = %v, want active after refused connect", dc.mode)
	}
}

func TestOpenDataChannel_ForcedActive(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	handlePORT(ms)
	ms.start()
	defer ms.stop()

	s := dialMock(t, ms, WithActiveMode())
	defer s.Close()

	dc, err := s.openDataChannel(context.Background(), false)
	if err != nil {
		t.Fatalf("openDataChannel() error = %v", err)
	}
	defer dc.Close()

	if n := ms.count("PASV"); n != 0 {
		t.Errorf("PASV sent %d times in active mode", n)
	}
	if dc.mode != ModeClientListens {
		t.Errorf("mode = %v", dc.mode)
	}
}

func TestOpenDataChannel_PortRefused(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.handle("PORT", func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("500 Illegal PORT command.")
	})
	ms.start()
	defer ms.stop()

	s := dialMock(t, ms)
	defer s.Close()

	if _, err := s.openDataChannel(context.Background(), true); !errors.Is(err, ErrActiveRefused) {
		t.Errorf("error = %v, want ErrActiveRefused", err)
	}
}

func TestDataChannel_AcceptTimeout(t *testing.T) {
	t.Parallel()
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	dc := &dataChannel{
		mode:     ModeClientListens,
		listener: l,
		timeout:  50 * time.Millisecond,
		linger:   -1,
		logger:   discardLogger(),
	}
	defer dc.Close()

	if err := dc.accept(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("accept() error = %v, want ErrTimeout", err)
	}
	if err := dc.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := dc.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestDataChannel_AcceptCanceled(t *testing.T) {
	t.Parallel()
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	dc := &dataChannel{
		mode:     ModeClientListens,
		listener: l,
		timeout:  10 * time.Second,
		linger:   -1,
		logger:   discardLogger(),
	}
	defer dc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if err := dc.accept(ctx); !errors.Is(err, ErrCanceled) {
		t.Errorf("accept() error = %v, want ErrCanceled", err)
	}
}

func TestDataChannelMode_String(t *testing.T) {
	t.Parallel()
	for mode, want := range map[DataChannelMode]string{
		ModeServerListens: "passive",
		ModeClientListens: "active",
	} {
		if got := fmt.Sprint(mode); got != want {
			t.Errorf("%d.String() = %q, want %q", mode, got, want)
		}
	}
}
