package ftpsession

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"time"
)

// aLongTimeAgo is used to wake a blocked Read or Write when the context is
// canceled.
var aLongTimeAgo = time.Unix(1, 0)

type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// boundedRead reads into p with a deadline computed once at entry as
// now+timeout (zero means no deadline).
//
// With full unset it returns after the first successful read. With full set
// it keeps reading into the rest of p until p is full, the deadline passes or
// the peer signals end of stream. When the deadline passes after at least one
// byte was read the partial count is returned with a nil error; with nothing
// read it returns ErrTimeout. A reset or broken connection yields
// ErrBrokenPipe together with whatever was read. io.EOF is passed through
// with the count of bytes read before it.
func boundedRead(ctx context.Context, r deadlineReader, p []byte, timeout time.Duration, full bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, ErrCanceled
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := r.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	stop := wakeOnCancel(ctx, r.SetReadDeadline)
	defer stop()

	n := 0
	for {
		m, err := r.Read(p[n:])
		n += m
		if err == nil {
			if !full || n == len(p) {
				return n, nil
			}
			continue
		}
		if ctx.Err() != nil {
			return n, ErrCanceled
		}
		switch {
		case errors.Is(err, syscall.EINTR):
			// The deadline is absolute, so retrying only gets the remaining time.
			continue
		case errors.Is(err, os.ErrDeadlineExceeded):
			if n > 0 {
				return n, nil
			}
			return 0, ErrTimeout
		case isBrokenPipe(err):
			return n, ErrBrokenPipe
		default:
			return n, err
		}
	}
}

// boundedWrite writes all of p unless the deadline (now+timeout, computed
// once) passes first. A deadline hit after a partial write returns the
// partial count and a nil error; callers that need the whole buffer on the
// wire must compare the count.
func boundedWrite(ctx context.Context, w deadlineWriter, p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, ErrCanceled
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := w.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	stop := wakeOnCancel(ctx, w.SetWriteDeadline)
	defer stop()

	n := 0
	for n < len(p) {
		m, err := w.Write(p[n:])
		n += m
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return n, ErrCanceled
		}
		switch {
		case errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, os.ErrDeadlineExceeded):
			if n > 0 {
				return n, nil
			}
			return 0, ErrTimeout
		case isBrokenPipe(err):
			return n, ErrBrokenPipe
		default:
			return n, err
		}
	}
	return n, nil
}

// wakeOnCancel arranges for setDeadline to be pulled into the past when ctx
// is canceled, which unblocks a pending Read or Write. The returned func
// disarms it and waits for a callback that already started, so no stale
// deadline can land on a later call.
func wakeOnCancel(ctx context.Context, setDeadline func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = setDeadline(aLongTimeAgo)
	})
	return func() {
		if !stop() {
			<-fired
		}
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// boundedConn exposes a connection as an io.ReadWriter whose every call goes
// through boundedRead/boundedWrite. The context is owned by the caller and
// swapped per operation.
//
// With full set, Read fills p completely or fails: a deadline hit after a
// partial read is reported as ErrTimeout so that a caller using io.ReadFull
// never restarts the clock in the middle of a record.
type boundedConn struct {
	conn interface {
		deadlineReader
		deadlineWriter
	}
	timeout time.Duration
	ctx     context.Context
	full    bool
}

func (b *boundedConn) context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *boundedConn) Read(p []byte) (int, error) {
	n, err := boundedRead(b.context(), b.conn, p, b.timeout, b.full)
	if b.full && err == nil && n < len(p) {
		err = ErrTimeout
	}
	return n, err
}

func (b *boundedConn) Write(p []byte) (int, error) {
	n, err := boundedWrite(b.context(), b.conn, p, b.timeout)
	if err == nil && n < len(p) {
		err = ErrTimeout
	}
	return n, err
}
