package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gonzalop/ftpsession"
)

// Config holds everything a single ftpxfer invocation needs.
type Config struct {
	Addr     string
	User     string
	Password string
	Account  string

	Timeout     time.Duration
	Retries     int
	Active      bool
	NoFallback  bool
	Block       bool
	Text        bool
	Resume      bool
	LimitKBps   int64
	Verbosity   string
	LogLevel    string
	HistoryFile string

	Command string
	Args    []string
}

const usage = `usage: ftpxfer [flags] <command> [args]

commands:
  get <remote> [local]   download a file
  put <local> [remote]   upload a file
  ls [path]              list a directory
  quote <command...>     send a raw command and print the reply
  history                show past transfers

flags:
`

// parseConfig reads flags and environment variables.
// Flags take precedence over environment variables.
func parseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		Timeout:     ftpsession.DefaultTimeout,
		Retries:     2,
		Verbosity:   "errors",
		LogLevel:    "warn",
		HistoryFile: defaultHistoryFile(),
	}

	// Read from environment first
	if v := os.Getenv("FTPXFER_HOST"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("FTPXFER_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("FTPXFER_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("FTPXFER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FTPXFER_HISTORY"); v != "" {
		cfg.HistoryFile = v
	}
	if v := os.Getenv("FTPXFER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("FTPXFER_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv("FTPXFER_LIMIT_KBPS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("FTPXFER_LIMIT_KBPS: %w", err)
		}
		cfg.LimitKBps = n
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "host", cfg.Addr, "server address (host[:port])")
	fs.StringVar(&cfg.User, "user", cfg.User, "user name (blank: prompt, default anonymous)")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "password (blank: prompt)")
	fs.StringVar(&cfg.Account, "account", cfg.Account, "account, if the server asks for one")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "network i/o timeout")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "redial attempts after a retryable connect failure")
	fs.BoolVar(&cfg.Active, "active", false, "use active mode (PORT) for data connections")
	fs.BoolVar(&cfg.NoFallback, "no-fallback", false, "do not fall back to active mode when passive mode fails")
	fs.BoolVar(&cfg.Block, "block", false, "use block transmission mode (MODE B)")
	fs.BoolVar(&cfg.Text, "text", false, "transfer in text mode (TYPE A)")
	fs.BoolVar(&cfg.Resume, "resume", false, "resume a partial transfer")
	fs.Int64Var(&cfg.LimitKBps, "limit", cfg.LimitKBps, "bandwidth limit in KiB/s (0: unlimited)")
	fs.StringVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "server replies to show (quiet, errors, verbose)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.HistoryFile, "history-file", cfg.HistoryFile, "transfer history file")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return cfg, errors.New("missing command")
	}
	cfg.Command, cfg.Args = rest[0], rest[1:]

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Command {
	case "get", "put":
		if len(c.Args) < 1 || len(c.Args) > 2 {
			return fmt.Errorf("%s takes one or two paths", c.Command)
		}
	case "ls":
		if len(c.Args) > 1 {
			return errors.New("ls takes at most one path")
		}
	case "quote":
		if len(c.Args) == 0 {
			return errors.New("quote needs a command")
		}
	case "history":
		return nil
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}
	if c.Addr == "" {
		return errors.New("no server given (-host or FTPXFER_HOST)")
	}
	if _, err := parseVerbosity(c.Verbosity); err != nil {
		return err
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	return nil
}

// dialAddr adds the default FTP port when none is given.
func (c *Config) dialAddr() string {
	if _, _, err := net.SplitHostPort(c.Addr); err == nil {
		return c.Addr
	}
	return net.JoinHostPort(c.Addr, "21")
}

func parseVerbosity(s string) (ftpsession.Verbosity, error) {
	switch s {
	case "quiet":
		return ftpsession.VerbosityQuiet, nil
	case "errors", "":
		return ftpsession.VerbosityErrors, nil
	case "verbose":
		return ftpsession.VerbosityVerbose, nil
	}
	return 0, fmt.Errorf("invalid verbosity %q", s)
}

func defaultHistoryFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ftpxfer-history.csv"
	}
	return filepath.Join(dir, "ftpxfer", "history.csv")
}
