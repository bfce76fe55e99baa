package ftpsession

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestDial_InvalidOptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opt  Option
	}{
		{"negative timeout", WithTimeout(-time.Second)},
		{"nil logger", WithLogger(nil)},
		{"nil dialer", WithDialer(nil)},
		{"zero progress interval", WithProgressInterval(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// The address is never dialed: option errors come first.
			_, err := Dial(context.Background(), "192.0.2.1:21", tt.opt)
			var ce *ConnectError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want *ConnectError", err)
			}
			if ce.Kind != ConnectFatal {
				t.Errorf("Kind = %v, want fatal", ce.Kind)
			}
		})
	}
}

func TestOptions_Apply(t *testing.T) {
	t.Parallel()
	s := &Session{}
	logger := slog.New(slog.DiscardHandler)
	dialer := &net.Dialer{}
	opts := []Option{
		WithTimeout(5 * time.Second),
		WithLogger(logger),
		WithDialer(dialer),
		WithActiveMode(),
		WithPassiveFallback(false),
		WithVerbosity(VerbosityVerbose),
		WithBandwidthLimit(1024),
		WithProgressInterval(time.Second),
		WithLinger(-1),
		WithAnonymousPassword("me@example.com"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			t.Fatalf("option error = %v", err)
		}
	}

	if s.timeout != 5*time.Second || s.logger != logger || s.dialer != dialer {
		t.Error("connection options not applied")
	}
	if !s.forceActive || s.passiveFallback {
		t.Error("data channel options not applied")
	}
	if s.verbosity != VerbosityVerbose || s.progressInterval != time.Second || s.linger != -1 {
		t.Error("display options not applied")
	}
	if s.limiter == nil || s.limiter.Rate() != 1024 {
		t.Error("bandwidth limit not applied")
	}
	if s.anonPassword != "me@example.com" {
		t.Errorf("anonPassword = %q", s.anonPassword)
	}

	if err := WithBandwidthLimit(0)(s); err != nil || s.limiter != nil {
		t.Error("zero bandwidth limit should remove the limiter")
	}
}
