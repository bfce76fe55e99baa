package ftpsession

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Block mode descriptor bits (RFC 959 section 3.4.2).
const (
	blockEOR     = 0x80 // end of record
	blockEOF     = 0x40 // end of file, the last block of the transfer
	blockErrors  = 0x20 // suspected errors in data block
	blockRestart = 0x10 // data block is a restart marker
)

const (
	blockHeaderLen  = 3
	maxBlockPayload = 0xFFFF

	// maxTextChunk is the largest raw chunk whose text encoding (at worst
	// every byte an LF) still fits in one block.
	maxTextChunk = maxBlockPayload / 2
)

var errBlockAfterEOF = errors.New("ftp: block written after end-of-file marker")

// blockHeader is the 3-byte prefix of every block mode record.
type blockHeader struct {
	desc   byte
	length uint16
}

func (h blockHeader) isEOF() bool { return h.desc&blockEOF != 0 }

func parseBlockHeader(b []byte) blockHeader {
	return blockHeader{desc: b[0], length: binary.BigEndian.Uint16(b[1:3])}
}

func appendBlockHeader(dst []byte, h blockHeader) []byte {
	dst = append(dst, h.desc)
	return binary.BigEndian.AppendUint16(dst, h.length)
}

// blockEncoder writes block mode records. Each record goes out as a single
// Write so that header and payload travel together.
type blockEncoder struct {
	w     io.Writer
	buf   []byte
	atEOF bool
}

func newBlockEncoder(w io.Writer) *blockEncoder {
	return &blockEncoder{w: w, buf: make([]byte, 0, blockHeaderLen+maxBlockPayload)}
}

// write sends p as one or more data records.
func (e *blockEncoder) write(p []byte) error {
	if e.atEOF {
		return errBlockAfterEOF
	}
	for len(p) > 0 {
		n := min(len(p), maxBlockPayload)
		if err := e.writeRecord(0, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// finish sends the zero-length end-of-file record. It is sent even when the
// previous record already carried the last byte.
func (e *blockEncoder) finish() error {
	if e.atEOF {
		return errBlockAfterEOF
	}
	if err := e.writeRecord(blockEOF, nil); err != nil {
		return err
	}
	e.atEOF = true
	return nil
}

func (e *blockEncoder) writeRecord(desc byte, payload []byte) error {
	e.buf = appendBlockHeader(e.buf[:0], blockHeader{desc: desc, length: uint16(len(payload))})
	e.buf = append(e.buf, payload...)
	_, err := e.w.Write(e.buf)
	return err
}

// blockDecoder reads block mode records. The reader it wraps must return
// either the full requested length or an error, so that a header is never
// observed without its payload.
type blockDecoder struct {
	r     io.Reader
	hdr   [blockHeaderLen]byte
	buf   []byte
	atEOF bool
}

func newBlockDecoder(r io.Reader) *blockDecoder {
	return &blockDecoder{r: r, buf: make([]byte, maxBlockPayload)}
}

// next returns the payload of the next data record. Restart marker records
// are skipped. After the end-of-file record it returns io.EOF without
// touching the reader again. The returned slice is only valid until the next
// call.
func (d *blockDecoder) next() ([]byte, error) {
	for {
		if d.atEOF {
			return nil, io.EOF
		}

		if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("block stream ended without end-of-file marker: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		h := parseBlockHeader(d.hdr[:])

		payload := d.buf[:h.length]
		if _, err := io.ReadFull(d.r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("short block payload: %w", err)
		}

		if h.isEOF() {
			d.atEOF = true
		}
		if h.desc&blockRestart != 0 {
			continue
		}
		if len(payload) == 0 && d.atEOF {
			return nil, io.EOF
		}
		return payload, nil
	}
}

// appendTextEncoded appends p to dst with a CR inserted before every LF.
func appendTextEncoded(dst, p []byte) []byte {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return append(dst, p...)
		}
		dst = append(dst, p[:i]...)
		dst = append(dst, '\r', '\n')
		p = p[i+1:]
	}
	return dst
}

// decodeText drops every CR from p in place and returns the shortened
// slice.
func decodeText(p []byte) []byte {
	i := bytes.IndexByte(p, '\r')
	if i < 0 {
		return p
	}
	out := p[:i]
	for _, b := range p[i+1:] {
		if b != '\r' {
			out = append(out, b)
		}
	}
	return out
}
