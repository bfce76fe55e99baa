package ftpsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Direction of a transfer, seen from the client.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Framing selects the transmission mode (MODE S or MODE B).
type Framing int

const (
	// FramingStream ends the transfer by closing the data connection.
	FramingStream Framing = iota
	// FramingBlock sends length-prefixed records and an end-of-file marker.
	FramingBlock
)

func (f Framing) String() string {
	if f == FramingBlock {
		return "block"
	}
	return "stream"
}

func (f Framing) modeCode() string {
	if f == FramingBlock {
		return "B"
	}
	return "S"
}

// ContentMode selects the representation type (TYPE I or TYPE A).
type ContentMode int

const (
	// ContentRaw moves bytes unchanged.
	ContentRaw ContentMode = iota
	// ContentText sends LF as CR LF and drops CR on receive.
	ContentText
)

func (c ContentMode) String() string {
	if c == ContentText {
		return "text"
	}
	return "raw"
}

func (c ContentMode) typeCode() string {
	if c == ContentText {
		return "A"
	}
	return "I"
}

// TransferRequest describes one payload movement.
type TransferRequest struct {
	Direction Direction

	// Command is the transfer command; RETR or STOR when empty.
	Command string

	// Path is the remote argument of Command. It may be empty for LIST.
	Path string

	Framing Framing
	Content ContentMode

	// Source is read for uploads and Sink written for downloads. Both are
	// expected to be positioned at StartOffset.
	Source io.Reader
	Sink   io.Writer

	// ExpectedSize is the number of bytes this transfer should move, zero
	// or negative when unknown.
	ExpectedSize int64

	// StartOffset asks the server to skip that many bytes (REST). If the
	// server refuses, the Sink is truncated (it must then have Truncate
	// and Seek, like *os.File) or the Source rewound, and the whole file
	// is moved.
	StartOffset int64

	// RemoteModTime, when set, is applied to a Sink that has a Name (an
	// *os.File) after the transfer, including aborted ones.
	RemoteModTime time.Time

	// ForceActive skips PASV for this transfer.
	ForceActive bool

	// Progress receives throttled snapshots of the transfer.
	Progress ProgressFunc
}

// TransferStats summarizes a finished (or aborted) transfer.
type TransferStats struct {
	// BytesMoved counts payload bytes on the local side, after text
	// translation.
	BytesMoved int64
	Elapsed    time.Duration

	// Rate is the average throughput in bytes per second.
	Rate float64

	Mode DataChannelMode

	// StartOffset is the restart offset actually used; zero if the server
	// refused the restart.
	StartOffset int64

	// Response is the final completion reply.
	Response *Response
}

const (
	transferBufferSize = 32 * 1024

	// abortDrainWait is how long to wait for a second reply after ABOR
	// when the first one was already a completion.
	abortDrainWait = 500 * time.Millisecond

	// abortReplyWait bounds the wait for the ABOR reply that follows a
	// 426 (or other 4xx) for the aborted transfer.
	abortReplyWait = 4 * abortDrainWait
)

// truncater is a download sink that can start over.
type truncater interface {
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
}

// transferSpec is the mutable state of one in-flight transfer.
type transferSpec struct {
	direction     Direction
	command       string
	path          string
	framing       Framing
	content       ContentMode
	source        io.Reader
	sink          io.Writer
	expectedSize  int64
	startOffset   int64
	remoteModTime time.Time

	bytesMoved int64
	atEOF      bool
	aborted    atomic.Bool

	mode  DataChannelMode
	start time.Time
	meter *progressMeter
}

func newTransferSpec(req TransferRequest) (*transferSpec, error) {
	t := &transferSpec{
		direction:     req.Direction,
		command:       req.Command,
		path:          req.Path,
		framing:       req.Framing,
		content:       req.Content,
		source:        req.Source,
		sink:          req.Sink,
		expectedSize:  req.ExpectedSize,
		startOffset:   req.StartOffset,
		remoteModTime: req.RemoteModTime,
		start:         time.Now(),
	}
	switch req.Direction {
	case Download:
		if t.sink == nil {
			return nil, errors.New("download requires a sink")
		}
		if t.command == "" {
			t.command = "RETR"
		}
	case Upload:
		if t.source == nil {
			return nil, errors.New("upload requires a source")
		}
		if t.command == "" {
			t.command = "STOR"
		}
	default:
		return nil, fmt.Errorf("invalid transfer direction %d", req.Direction)
	}
	if t.startOffset < 0 {
		return nil, fmt.Errorf("negative start offset %d", t.startOffset)
	}
	if t.expectedSize <= 0 {
		t.expectedSize = -1
	}
	return t, nil
}

func (t *transferSpec) args() []string {
	if t.path == "" {
		return nil
	}
	return []string{t.path}
}

func (t *transferSpec) op() string {
	return joinCommand(t.command, t.args())
}

// add accounts for n payload bytes. A file that grows while it is being
// read raises the expected size instead of overrunning it.
func (t *transferSpec) add(n int) {
	t.bytesMoved += int64(n)
	if t.expectedSize > 0 && t.bytesMoved > t.expectedSize {
		t.expectedSize = t.bytesMoved
		if t.meter != nil {
			t.meter.expected = t.expectedSize
		}
	}
	t.meter.update(t.bytesMoved)
}

// rewind degrades a refused restart into a full transfer.
func (t *transferSpec) rewind() error {
	switch t.direction {
	case Download:
		tr, ok := t.sink.(truncater)
		if !ok {
			return errors.New("sink cannot be truncated")
		}
		if err := tr.Truncate(0); err != nil {
			return err
		}
		if _, err := tr.Seek(0, io.SeekStart); err != nil {
			return err
		}
	case Upload:
		sk, ok := t.source.(io.Seeker)
		if !ok {
			return errors.New("source cannot seek")
		}
		if _, err := sk.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	if t.expectedSize > 0 {
		t.expectedSize += t.startOffset
	}
	t.startOffset = 0
	return nil
}

// stampModTime copies the remote modification time onto a local file sink.
func (t *transferSpec) stampModTime(logger *slog.Logger) {
	if t.direction != Download || t.remoteModTime.IsZero() {
		return
	}
	named, ok := t.sink.(interface{ Name() string })
	if !ok {
		return
	}
	if err := os.Chtimes(named.Name(), t.remoteModTime, t.remoteModTime); err != nil {
		logger.Debug("failed to set local modification time", "file", named.Name(), "error", err)
	}
}

func (t *transferSpec) stats() TransferStats {
	elapsed := time.Since(t.start)
	st := TransferStats{
		BytesMoved:  t.bytesMoved,
		Elapsed:     elapsed,
		Mode:        t.mode,
		StartOffset: t.startOffset,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		st.Rate = float64(t.bytesMoved) / secs
	}
	return st
}

// Transfer moves one file (or listing) over a freshly negotiated data
// channel and reads the server's completion reply.
//
// Canceling ctx aborts the transfer: the partial local file gets the
// remote modification time, ABOR is sent and the data connection closed.
// Failures are *TransferError; its SessionClosed field tells whether the
// control connection survived.
//
// Example:
//
//	stats, err := s.Transfer(ctx, ftpsession.TransferRequest{
//	    Direction: ftpsession.Download,
//	    Path:      "pub/README",
//	    Sink:      os.Stdout,
//	})
func (s *Session) Transfer(ctx context.Context, req TransferRequest) (TransferStats, error) {
	spec, err := newTransferSpec(req)
	if err != nil {
		return TransferStats{}, err
	}
	if !s.connected.Load() {
		return TransferStats{}, ErrNotConnected
	}
	if !s.transferring.CompareAndSwap(false, true) {
		return TransferStats{}, ErrTransferInProgress
	}
	defer s.transferring.Store(false)
	ctx = context.WithValue(ctx, transferOwner{}, s)

	// Control exchanges use cctx: a command's reply is always read in full,
	// and cancellation is checked between exchanges instead.
	cctx := context.WithoutCancel(ctx)

	s.logger.Debug("starting transfer", "op", spec.op(), "framing", spec.framing,
		"content", spec.content, "offset", spec.startOffset)

	if ctx.Err() != nil {
		return spec.stats(), s.transferFailed(spec, ErrCanceled)
	}
	if err := s.prepareTransfer(cctx, spec); err != nil {
		return spec.stats(), s.transferFailed(spec, err)
	}
	if ctx.Err() != nil {
		return spec.stats(), s.transferFailed(spec, ErrCanceled)
	}

	dc, err := s.openDataChannel(ctx, req.ForceActive)
	if err != nil {
		if ctx.Err() != nil {
			err = ErrCanceled
		}
		return spec.stats(), s.transferFailed(spec, err)
	}
	spec.mode = dc.mode
	s.activeData.Store(dc)
	defer func() {
		s.activeData.Store(nil)
		_ = dc.Close()
	}()
	if ctx.Err() != nil {
		return spec.stats(), s.transferFailed(spec, ErrCanceled)
	}

	// From here on the server may be moving data, so an interrupt turns into
	// an abort rather than a plain failure.
	resp, err := s.sendCommand(cctx, spec.command, spec.args()...)
	if err != nil {
		return spec.stats(), s.transferFailed(spec, err)
	}
	if !resp.Is1xx() && !resp.Is2xx() {
		return spec.stats(), s.transferFailed(spec, newProtocolError(spec.op(), resp))
	}

	stop := context.AfterFunc(ctx, func() { spec.aborted.Store(true) })
	defer stop()

	spec.start = time.Now()
	spec.meter = newProgressMeter(req.Progress, spec.expectedSize, s.progressInterval)

	err = dc.accept(ctx)
	if err == nil {
		err = s.runTransfer(ctx, spec, dc)
	}
	if err != nil || spec.aborted.Load() {
		return spec.stats(), s.abortTransfer(ctx, spec, dc, err)
	}

	// Closing ends a stream upload; the server replies after seeing it.
	if err := dc.Close(); err != nil {
		s.logger.Debug("data connection close failed", "error", err)
	}

	final := resp
	if resp.Is1xx() {
		final = &Response{}
		if err := s.readFinal(cctx, final); err != nil {
			return spec.stats(), s.transferFailed(spec, err)
		}
		if !final.Is2xx() {
			return spec.stats(), s.transferFailed(spec, newProtocolError(spec.op(), final))
		}
	}

	spec.stampModTime(s.logger)
	spec.meter.finish(spec.bytesMoved)
	stats := spec.stats()
	stats.Response = final
	s.recordHistory(spec, stats, false)
	s.logger.Debug("transfer complete", "op", spec.op(), "bytes", stats.BytesMoved, "elapsed", stats.Elapsed)
	return stats, nil
}

// prepareTransfer selects type and mode and requests the restart offset.
func (s *Session) prepareTransfer(ctx context.Context, spec *transferSpec) error {
	if err := s.setType(ctx, spec.content.typeCode()); err != nil {
		return fmt.Errorf("failed to set transfer type: %w", err)
	}
	if err := s.setMode(ctx, spec.framing.modeCode()); err != nil {
		return fmt.Errorf("failed to set transfer mode: %w", err)
	}
	if spec.startOffset == 0 {
		return nil
	}

	resp, err := s.sendCommand(ctx, "REST", strconv.FormatInt(spec.startOffset, 10))
	if err != nil {
		return err
	}
	if resp.Code == 350 {
		return nil
	}
	s.logger.Info("server refused restart, transferring from the beginning",
		"offset", spec.startOffset, "code", resp.Code)
	if err := spec.rewind(); err != nil {
		return fmt.Errorf("restart refused and local side cannot start over: %w", err)
	}
	return nil
}

func (s *Session) runTransfer(ctx context.Context, spec *transferSpec, dc *dataChannel) error {
	switch {
	case spec.direction == Download && spec.framing == FramingBlock:
		return s.receiveBlocks(ctx, spec, dc)
	case spec.direction == Download:
		return s.receiveStream(ctx, spec, dc)
	case spec.framing == FramingBlock:
		return s.sendBlocks(ctx, spec, dc)
	default:
		return s.sendStream(ctx, spec, dc)
	}
}

// wait applies the bandwidth limit to n bytes.
func (s *Session) wait(ctx context.Context, n int) error {
	if err := s.limiter.Wait(ctx, n); err != nil {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		return err
	}
	return nil
}

// deliver hands one received record to the sink.
func (s *Session) deliver(ctx context.Context, spec *transferSpec, p []byte) error {
	if err := s.wait(ctx, len(p)); err != nil {
		return err
	}
	if spec.content == ContentText {
		p = decodeText(p)
	}
	if _, err := spec.sink.Write(p); err != nil {
		return fmt.Errorf("write local: %w", err)
	}
	spec.add(len(p))
	return nil
}

func (s *Session) receiveStream(ctx context.Context, spec *transferSpec, dc *dataChannel) error {
	buf := make([]byte, transferBufferSize)
	for {
		if spec.aborted.Load() {
			return ErrCanceled
		}
		n, err := boundedRead(ctx, dc.conn, buf, s.timeout, false)
		if n > 0 {
			if derr := s.deliver(ctx, spec, buf[:n]); derr != nil {
				return derr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) receiveBlocks(ctx context.Context, spec *transferSpec, dc *dataChannel) error {
	dec := newBlockDecoder(&boundedConn{conn: dc.conn, timeout: s.timeout, ctx: ctx, full: true})
	for {
		if spec.aborted.Load() {
			return ErrCanceled
		}
		payload, err := dec.next()
		spec.atEOF = dec.atEOF
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.deliver(ctx, spec, payload); err != nil {
			return err
		}
	}
}

func (s *Session) sendStream(ctx context.Context, spec *transferSpec, dc *dataChannel) error {
	buf := make([]byte, transferBufferSize)
	var encoded []byte
	for {
		if spec.aborted.Load() {
			return ErrCanceled
		}
		n, rerr := spec.source.Read(buf)
		if n > 0 {
			p := buf[:n]
			if spec.content == ContentText {
				encoded = appendTextEncoded(encoded[:0], p)
				p = encoded
			}
			if err := s.wait(ctx, len(p)); err != nil {
				return err
			}
			w, err := boundedWrite(ctx, dc.conn, p, s.timeout)
			if err != nil {
				return err
			}
			if w < len(p) {
				return ErrTimeout
			}
			spec.add(n)
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read local: %w", rerr)
		}
	}
}

func (s *Session) sendBlocks(ctx context.Context, spec *transferSpec, dc *dataChannel) error {
	enc := newBlockEncoder(&boundedConn{conn: dc.conn, timeout: s.timeout, ctx: ctx})
	size := transferBufferSize
	if spec.content == ContentText {
		size = maxTextChunk
	}
	buf := make([]byte, size)
	var encoded []byte
	for {
		if spec.aborted.Load() {
			return ErrCanceled
		}
		n, rerr := spec.source.Read(buf)
		if n > 0 {
			p := buf[:n]
			if spec.content == ContentText {
				encoded = appendTextEncoded(encoded[:0], p)
				p = encoded
			}
			if err := s.wait(ctx, len(p)); err != nil {
				return err
			}
			if err := enc.write(p); err != nil {
				return err
			}
			spec.add(n)
		}
		if errors.Is(rerr, io.EOF) {
			if err := enc.finish(); err != nil {
				return err
			}
			spec.atEOF = true
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read local: %w", rerr)
		}
	}
}

// abortTransfer runs the abort handshake after cancellation or a data
// channel failure: stamp the partial file, send ABOR, close the data
// connection and consume the one or two replies the server sends.
func (s *Session) abortTransfer(ctx context.Context, spec *transferSpec, dc *dataChannel, cause error) error {
	spec.aborted.Store(true)
	if cause == nil || ctx.Err() != nil {
		cause = ErrCanceled
	}
	s.logger.Info("aborting transfer", "op", spec.op(), "bytes", spec.bytesMoved, "cause", cause)

	spec.stampModTime(s.logger)

	timeout := s.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := cause
	if aerr := s.sendAbort(actx, dc, timeout); aerr != nil {
		err = multierror.Append(cause, fmt.Errorf("abort: %w", aerr))
	}

	spec.meter.finish(spec.bytesMoved)
	stats := spec.stats()
	s.recordHistory(spec, stats, true)

	return &TransferError{
		Op:            spec.op(),
		BytesMoved:    spec.bytesMoved,
		Aborted:       true,
		SessionClosed: !s.connected.Load(),
		Err:           err,
	}
}

// sendAbort sends ABOR and closes the data connection whatever happens.
// The first reply is either the aborted transfer's failure (426), after
// which the ABOR reply follows, or a completion that won the race, after
// which a second reply may or may not come.
func (s *Session) sendAbort(ctx context.Context, dc *dataChannel, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected.Load() {
		_ = dc.Close()
		return ErrNotConnected
	}
	s.bconn.ctx = ctx
	defer func() { s.bconn.ctx = nil }()

	werr := s.writeCommand("ABOR")
	_ = dc.Close()
	if werr != nil {
		return werr
	}

	resp := &Response{}
	if err := s.readReply(resp); err != nil {
		return err
	}

	wait := abortDrainWait
	if resp.Is4xx() {
		wait = min(timeout, abortReplyWait)
	}
	if _, err := s.tryReadReply(&Response{}, wait); err != nil {
		return err
	}
	return nil
}

// transferFailed wraps an error that happened before any payload moved or
// while finishing; no abort handshake is needed.
func (s *Session) transferFailed(spec *transferSpec, err error) error {
	s.logger.Debug("transfer failed", "op", spec.op(), "error", err)
	return &TransferError{
		Op:            spec.op(),
		BytesMoved:    spec.bytesMoved,
		SessionClosed: !s.connected.Load(),
		Err:           err,
	}
}
