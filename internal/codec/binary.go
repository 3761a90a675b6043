package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	errShort    = errors.New("unexpected end of data")
	errOverflow = errors.New("varint overflows 64 bits")
)

// Writer appends varint-framed values to a byte slice.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded data.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// PutUint writes v as an unsigned varint.
func (w *Writer) PutUint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// PutUint8 writes a single byte.
func (w *Writer) PutUint8(b byte) {
	w.buf = append(w.buf, b)
}

// PutVarBytes writes a length-prefixed byte string.
func (w *Writer) PutVarBytes(b []byte) {
	w.PutUint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// PutText writes a length-prefixed UTF-8 string.
func (w *Writer) PutText(s string) {
	w.PutUint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// PutFloat64 writes f as 8 little-endian bytes.
func (w *Writer) PutFloat64(f float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(f))
}

// Reader consumes values written by a Writer. The first error sticks; every
// later read returns a zero value.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader reads from b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first decoding error.
func (r *Reader) Err() error {
	return r.err
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Done fails the reader if unread bytes remain.
func (r *Reader) Done() error {
	if r.err == nil && r.Len() != 0 {
		r.err = fmt.Errorf("%d trailing bytes", r.Len())
	}
	return r.err
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Uint reads an unsigned varint.
func (r *Reader) Uint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	switch {
	case n == 0:
		r.fail(errShort)
		return 0
	case n < 0:
		r.fail(errOverflow)
		return 0
	}
	r.off += n
	return v
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() byte {
	if r.err != nil {
		return 0
	}
	if r.Len() < 1 {
		r.fail(errShort)
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

// Count reads a length and checks that at least min bytes per element remain.
func (r *Reader) Count(min int) int {
	n := r.Uint()
	if r.err != nil {
		return 0
	}
	if min > 0 && n > uint64(r.Len()/min) {
		r.fail(fmt.Errorf("count %d exceeds remaining data", n))
		return 0
	}
	return int(n)
}

// VarBytes reads a length-prefixed byte string into a new slice.
func (r *Reader) VarBytes() []byte {
	n := r.Count(1)
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b
}

// Text reads a length-prefixed string.
func (r *Reader) Text() string {
	n := r.Count(1)
	if r.err != nil {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

// Float64 reads 8 little-endian bytes as a float64.
func (r *Reader) Float64() float64 {
	if r.err != nil {
		return 0
	}
	if r.Len() < 8 {
		r.fail(errShort)
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return math.Float64frombits(v)
}
