// Package encoding holds the little-endian section codec shared by every
// binary save section. Errors are sticky: after the first failure all further
// calls are no-ops and Err reports the failure.
package encoding

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxString bounds length-prefixed strings and blobs read from untrusted input.
const MaxString = 1 << 20

type Writer struct {
	w   io.Writer
	tmp [8]byte
	n   int64
	err error
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(p)
	w.n += int64(n)
	w.err = err
}

func (w *Writer) U8(v uint8) {
	w.tmp[0] = v
	w.write(w.tmp[:1])
}

func (w *Writer) U16(v uint16) {
	binary.LittleEndian.PutUint16(w.tmp[:2], v)
	w.write(w.tmp[:2])
}

func (w *Writer) U32(v uint32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], v)
	w.write(w.tmp[:4])
}

func (w *Writer) U64(v uint64) {
	binary.LittleEndian.PutUint64(w.tmp[:8], v)
	w.write(w.tmp[:8])
}

func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

// Tag writes a 4-byte section marker.
func (w *Writer) Tag(tag string) {
	var b [4]byte
	copy(b[:], tag)
	w.write(b[:])
}

func (w *Writer) Bytes(p []byte) {
	w.U32(uint32(len(p)))
	w.write(p)
}

func (w *Writer) String(s string) { w.Bytes([]byte(s)) }

func (w *Writer) Err() error { return w.err }

// N reports the number of bytes written so far.
func (w *Writer) N() int64 { return w.n }

type Reader struct {
	r   io.Reader
	tmp [8]byte
	n   int64
	err error
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

func (r *Reader) read(p []byte) bool {
	if r.err != nil {
		return false
	}
	n, err := io.ReadFull(r.r, p)
	r.n += int64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return false
	}
	return true
}

func (r *Reader) U8() uint8 {
	if !r.read(r.tmp[:1]) {
		return 0
	}
	return r.tmp[0]
}

func (r *Reader) U16() uint16 {
	if !r.read(r.tmp[:2]) {
		return 0
	}
	return binary.LittleEndian.Uint16(r.tmp[:2])
}

func (r *Reader) U32() uint32 {
	if !r.read(r.tmp[:4]) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.tmp[:4])
}

func (r *Reader) U64() uint64 {
	if !r.read(r.tmp[:8]) {
		return 0
	}
	return binary.LittleEndian.Uint64(r.tmp[:8])
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) Bool() bool { return r.U8() != 0 }

// Expect consumes a section marker and fails if it does not match.
func (r *Reader) Expect(tag string) {
	var b [4]byte
	if !r.read(b[:]) {
		return
	}
	var want [4]byte
	copy(want[:], tag)
	if b != want {
		r.err = fmt.Errorf("encoding: expected section %q, found %q", tag, string(b[:]))
	}
}

func (r *Reader) Bytes() []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	if n > MaxString {
		r.err = fmt.Errorf("encoding: blob of %d bytes exceeds limit", n)
		return nil
	}
	p := make([]byte, n)
	if !r.read(p) {
		return nil
	}
	return p
}

func (r *Reader) String() string { return string(r.Bytes()) }

// Fail records err unless an earlier error is already pending.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) Err() error { return r.err }

// N reports the number of bytes consumed so far.
func (r *Reader) N() int64 { return r.n }
