package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/gonzalop/ftpsession"
	"github.com/gonzalop/ftpsession/internal/history"
)

// output renders server replies, progress and status lines.
type output struct {
	out    io.Writer
	errOut io.Writer

	ok   *color.Color
	info *color.Color
	fail *color.Color

	mu          sync.Mutex
	progressing bool
}

func newOutput(out, errOut io.Writer) *output {
	return &output{
		out:    out,
		errOut: errOut,
		ok:     color.New(color.FgGreen),
		info:   color.New(color.FgCyan),
		fail:   color.New(color.FgRed),
	}
}

// response is installed as the session's ResponsePrinter.
func (o *output) response(r *ftpsession.Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endProgressLocked()

	c := o.info
	switch {
	case r.Is2xx():
		c = o.ok
	case r.Class() >= 4:
		c = o.fail
	}
	for _, line := range r.Lines {
		c.Fprintln(o.errOut, line)
	}
}

// progress redraws a single status line.
func (o *output) progress(p ftpsession.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()

	line := history.FormatBytes(p.BytesMoved)
	if f := p.Fraction(); f >= 0 {
		line = fmt.Sprintf("%5.1f%% %s of %s", f*100, line, history.FormatBytes(p.ExpectedSize))
	}
	line += fmt.Sprintf("  %s/s", history.FormatBytes(int64(p.Rate)))
	if p.ETA > 0 {
		line += "  ETA " + p.ETA.Round(time.Second).String()
	}
	fmt.Fprintf(o.errOut, "\r%-60s", line)
	o.progressing = true
}

func (o *output) endProgressLocked() {
	if o.progressing {
		fmt.Fprintln(o.errOut)
		o.progressing = false
	}
}

func (o *output) done(stats ftpsession.TransferStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endProgressLocked()
	o.ok.Fprintf(o.errOut, "%s in %s (%s/s, %s mode)\n",
		history.FormatBytes(stats.BytesMoved),
		stats.Elapsed.Round(time.Millisecond),
		history.FormatBytes(int64(stats.Rate)),
		stats.Mode)
}

func (o *output) failed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endProgressLocked()
	o.fail.Fprintf(o.errOut, "ftpxfer: %v\n", err)
}

// newLogger creates a structured logger with text output on w.
func newLogger(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	return slog.New(slog.NewTextHandler(w, opts)).With(slog.String("app", "ftpxfer"))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
