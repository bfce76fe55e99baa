package ftpsession

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func collectBlocks(t *testing.T, r io.Reader) ([]byte, error) {
	t.Helper()
	d := newBlockDecoder(r)
	var out []byte
	for {
		p, err := d.next()
		if err == io.EOF {
			if !d.atEOF {
				t.Error("io.EOF returned before the end-of-file record")
			}
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p...)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{"empty file", nil},
		{"single byte", [][]byte{{'x'}}},
		{"several chunks", [][]byte{[]byte("hello "), []byte("block "), []byte("mode")}},
		{"exactly one full block", [][]byte{testPayload(maxBlockPayload)}},
		{"larger than one block", [][]byte{testPayload(3*maxBlockPayload + 17)}},
		{"empty chunk in the middle", [][]byte{[]byte("a"), {}, []byte("b")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var wire bytes.Buffer
			enc := newBlockEncoder(&wire)
			var want []byte
			for _, c := range tt.chunks {
				if err := enc.write(c); err != nil {
					t.Fatalf("write() error = %v", err)
				}
				want = append(want, c...)
			}
			if err := enc.finish(); err != nil {
				t.Fatalf("finish() error = %v", err)
			}

			// The stream always ends with a zero-length EOF record.
			tail := wire.Bytes()[wire.Len()-blockHeaderLen:]
			if !bytes.Equal(tail, []byte{blockEOF, 0, 0}) {
				t.Errorf("trailer = %x, want 400000", tail)
			}

			got, err := collectBlocks(t, &wire)
			if err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("decoded %d bytes, want %d", len(got), len(want))
			}
		})
	}
}

func TestBlockEncoder_AfterFinish(t *testing.T) {
	t.Parallel()
	enc := newBlockEncoder(io.Discard)
	if err := enc.finish(); err != nil {
		t.Fatal(err)
	}
	if err := enc.write([]byte("late")); !errors.Is(err, errBlockAfterEOF) {
		t.Errorf("write after finish error = %v", err)
	}
	if err := enc.finish(); !errors.Is(err, errBlockAfterEOF) {
		t.Errorf("second finish error = %v", err)
	}
}

func TestBlockDecoder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		wire    []byte
		want    string
		wantErr error
	}{
		{
			name: "data on the EOF record",
			wire: []byte{blockEOF, 0, 3, 'a', 'b', 'c'},
			want: "abc",
		},
		{
			name: "restart marker is skipped",
			wire: append([]byte{0, 0, 2, 'h', 'i', blockRestart, 0, 4, '1', '2', '3', '4'},
				blockEOF, 0, 0),
			want: "hi",
		},
		{
			name: "end of record flag is data",
			wire: []byte{blockEOR, 0, 2, 'o', 'k', blockEOF, 0, 0},
			want: "ok",
		},
		{
			name:    "stream ends before EOF record",
			wire:    []byte{0, 0, 2, 'h', 'i'},
			want:    "hi",
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "truncated payload",
			wire:    []byte{0, 0, 10, 'h', 'i'},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "truncated header",
			wire:    []byte{0, 0},
			wantErr: io.ErrUnexpectedEOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := collectBlocks(t, bytes.NewReader(tt.wire))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("decoded %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBlockDecoder_StopsAtEOF(t *testing.T) {
	t.Parallel()
	// Bytes after the EOF record must not be read.
	r := bytes.NewReader([]byte{blockEOF, 0, 0, 'x', 'y', 'z'})
	d := newBlockDecoder(r)
	for range 3 {
		if _, err := d.next(); err != io.EOF {
			t.Fatalf("next() error = %v, want io.EOF", err)
		}
	}
	if r.Len() != 3 {
		t.Errorf("decoder consumed %d bytes past the EOF record", 3-r.Len())
	}
}

func TestTextEncoding(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		local   string
		wire    string
		decoded string
	}{
		{"no line breaks", "abc", "abc", "abc"},
		{"unix newlines", "a\nb\n", "a\r\nb\r\n", "a\nb\n"},
		{"lone newline", "\n", "\r\n", "\n"},
		{"existing CRLF gains a CR", "a\r\n", "a\r\r\n", "a\n"},
		{"bare CR is dropped on receive", "a\rb", "a\rb", "ab"},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wire := appendTextEncoded(nil, []byte(tt.local))
			if string(wire) != tt.wire {
				t.Errorf("encoded %q, want %q", wire, tt.wire)
			}
			if got := decodeText(wire); string(got) != tt.decoded {
				t.Errorf("decoded %q, want %q", got, tt.decoded)
			}
		})
	}
}

func TestTextChunkFitsInBlock(t *testing.T) {
	t.Parallel()
	worst := bytes.Repeat([]byte{'\n'}, maxTextChunk)
	if n := len(appendTextEncoded(nil, worst)); n > maxBlockPayload {
		t.Errorf("worst-case text chunk encodes to %d bytes", n)
	}
}
