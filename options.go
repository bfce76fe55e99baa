package ftpsession

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gonzalop/ftpsession/internal/ratelimit"
)

// Option is a functional option for configuring a Session.
type Option func(*Session) error

// WithTimeout sets the timeout for connection and operations.
// This applies to the initial connection, every control channel reply and
// every data channel read or write. Zero disables deadlines.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Session) error {
		if timeout < 0 {
			return fmt.Errorf("negative timeout: %v", timeout)
		}
		s.timeout = timeout
		return nil
	}
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and responses will be logged at debug level, with
// PASS and ACCT arguments redacted.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := ftpsession.Dial(ctx, "ftp.example.com:21", ftpsession.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		s.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing connections.
// This can be used to configure source addresses, keep-alive settings, etc.
// It is used for the control connection and passive data connections.
func WithDialer(dialer *net.Dialer) Option {
	return func(s *Session) error {
		if dialer == nil {
			return errors.New("nil dialer")
		}
		s.dialer = dialer
		return nil
	}
}

// WithActiveMode makes every transfer use PORT: the client listens and the
// server connects back. This may not work behind NAT/firewalls.
func WithActiveMode() Option {
	return func(s *Session) error {
		s.forceActive = true
		return nil
	}
}

// WithPassiveFallback controls whether a failed PASV attempt (refused,
// unparsable or suspicious address, connection refused) falls back to PORT.
// Enabled by default.
func WithPassiveFallback(enabled bool) Option {
	return func(s *Session) error {
		s.passiveFallback = enabled
		return nil
	}
}

// WithVerbosity selects which responses reach the response printer when
// the caller did not force a print policy.
func WithVerbosity(v Verbosity) Option {
	return func(s *Session) error {
		s.verbosity = v
		return nil
	}
}

// WithResponsePrinter installs a callback that receives the server
// responses selected by the print policy and verbosity.
func WithResponsePrinter(p ResponsePrinter) Option {
	return func(s *Session) error {
		s.printer = p
		return nil
	}
}

// WithPrompter sets the provider asked for credentials left blank in Login.
func WithPrompter(p Prompter) Option {
	return func(s *Session) error {
		s.prompter = p
		return nil
	}
}

// WithHistory sets a sink that receives one record per finished transfer.
func WithHistory(h HistorySink) Option {
	return func(s *Session) error {
		s.history = h
		return nil
	}
}

// WithBandwidthLimit limits data transfer speed to bytesPerSecond in both
// directions. Zero or negative means unlimited.
//
// Example:
//
//	// Limit to 1 MB/s
//	s, _ := ftpsession.Dial(ctx, "ftp.example.com:21",
//	    ftpsession.WithBandwidthLimit(1024*1024),
//	)
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Session) error {
		s.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithProgressInterval sets the minimum time between two progress reports.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("invalid progress interval: %v", d)
		}
		s.progressInterval = d
		return nil
	}
}

// WithLinger sets SO_LINGER on data connections so that buffered output
// still drains after Close. Negative leaves the system default.
func WithLinger(d time.Duration) Option {
	return func(s *Session) error {
		s.linger = d
		return nil
	}
}

// WithAnonymousPassword sets the password sent for anonymous logins when
// the caller supplies none.
func WithAnonymousPassword(pass string) Option {
	return func(s *Session) error {
		s.anonPassword = pass
		return nil
	}
}
