// Command ftpxfer performs one FTP operation per invocation: download,
// upload, list or a raw command. Interrupting it aborts a running transfer
// cleanly and keeps the partial file for -resume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gonzalop/ftpsession"
	"github.com/gonzalop/ftpsession/internal/history"
)

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftpxfer: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, stdin *os.File, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, cfg.LogLevel)
	out := newOutput(stdout, stderr)

	store, err := history.Open(cfg.HistoryFile)
	if err != nil {
		out.failed(err)
		return err
	}

	if cfg.Command == "history" {
		entries, err := store.Load()
		if err == nil {
			err = history.Render(stdout, entries)
		}
		if err != nil {
			out.failed(err)
		}
		return err
	}

	verbosity, _ := parseVerbosity(cfg.Verbosity)
	opts := []ftpsession.Option{
		ftpsession.WithTimeout(cfg.Timeout),
		ftpsession.WithLogger(logger),
		ftpsession.WithVerbosity(verbosity),
		ftpsession.WithResponsePrinter(out.response),
		ftpsession.WithPrompter(newTermPrompter(stdin, stderr)),
		ftpsession.WithHistory(store),
		ftpsession.WithPassiveFallback(!cfg.NoFallback),
		ftpsession.WithBandwidthLimit(cfg.LimitKBps * 1024),
	}
	if cfg.Active {
		opts = append(opts, ftpsession.WithActiveMode())
	}

	s, err := ftpsession.DialRetry(ctx, cfg.dialAddr(), cfg.Retries+1, 2*time.Second, opts...)
	if err != nil {
		out.failed(err)
		return err
	}
	defer s.Close()

	if err := s.Login(ctx, cfg.User, cfg.Password, cfg.Account); err != nil {
		out.failed(err)
		_ = s.Quit(context.WithoutCancel(ctx))
		return err
	}

	err = execute(ctx, s, cfg, stdout, out)
	if err != nil {
		out.failed(err)
	}

	var te *ftpsession.TransferError
	if s.Connected() || (errors.As(err, &te) && !te.SessionClosed) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
		defer cancel()
		if qerr := s.Quit(qctx); qerr != nil {
			logger.Debug("quit failed", "error", qerr)
		}
	}
	return err
}

func execute(ctx context.Context, s *ftpsession.Session, cfg Config, stdout io.Writer, out *output) error {
	fopts := ftpsession.FileOptions{
		Resume:   cfg.Resume,
		Progress: out.progress,
	}
	if cfg.Block {
		fopts.Framing = ftpsession.FramingBlock
	}
	if cfg.Text {
		fopts.Content = ftpsession.ContentText
	}

	switch cfg.Command {
	case "get":
		remote := cfg.Args[0]
		local := path.Base(remote)
		if len(cfg.Args) > 1 {
			local = cfg.Args[1]
		}
		stats, err := s.DownloadFile(ctx, remote, local, fopts)
		if err != nil {
			return err
		}
		out.done(stats)

	case "put":
		local := cfg.Args[0]
		remote := filepath.Base(local)
		if len(cfg.Args) > 1 {
			remote = cfg.Args[1]
		}
		stats, err := s.UploadFile(ctx, local, remote, fopts)
		if err != nil {
			return err
		}
		out.done(stats)

	case "ls":
		var dir string
		if len(cfg.Args) > 0 {
			dir = cfg.Args[0]
		}
		return s.List(ctx, dir, stdout)

	case "quote":
		resp, err := s.SimpleCommand(ctx, strings.Join(cfg.Args, " "))
		if err != nil {
			return err
		}
		if resp.Class() >= 4 {
			return fmt.Errorf("server replied %d", resp.Code)
		}
	}
	return nil
}
