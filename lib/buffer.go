package lib

import (
	"fmt"
	"io"
	"sync"
)

// DefaultBufferLength is the size of the inline region a fresh Buffer
// starts with. Reset returns the buffer to this region.
var DefaultBufferLength = 4096

// growthReserve is added on top of the needed length when the backing
// array has to be reallocated, so a run of small appends does not
// reallocate on every call.
const growthReserve = 256

// Buffer is a growable byte buffer with separate write (append) and
// read positions. Writers append via Extend/Append*, readers consume
// via ReadN/ReadByte.
type Buffer struct {
	B        []byte
	original []byte
	read     int
}

var buffers = &sync.Pool{
	New: func() interface{} {
		b := &Buffer{
			B: make([]byte, 0, DefaultBufferLength),
		}
		b.original = b.B
		return b
	},
}

// TakeBuffer borrows a reset Buffer from the pool.
func TakeBuffer() *Buffer {
	return buffers.Get().(*Buffer)
}

// ReleaseBuffer returns a Buffer to the pool.
func ReleaseBuffer(b *Buffer) {
	b.B = b.original[:0]
	b.read = 0
	buffers.Put(b)
}

// Reset drops all written and read data and returns to the inline region.
func (b *Buffer) Reset() {
	b.B = b.original[:0]
	b.read = 0
}

// Set replaces the buffer content.
func (b *Buffer) Set(v []byte) {
	b.B = append(b.original[:0], v...)
	b.read = 0
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(v byte) {
	b.B = append(b.B, v)
}

// Append appends v.
func (b *Buffer) Append(v []byte) {
	b.B = append(b.B, v...)
}

// AppendString appends s.
func (b *Buffer) AppendString(s string) {
	b.B = append(b.B, s...)
}

// Len is the number of written bytes.
func (b *Buffer) Len() int {
	return len(b.B)
}

// Cap is the capacity of the backing array.
func (b *Buffer) Cap() int {
	return cap(b.B)
}

// Unread returns the bytes written but not yet consumed by ReadN.
func (b *Buffer) Unread() []byte {
	return b.B[b.read:]
}

// ReadByte consumes and returns one byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.read >= len(b.B) {
		return 0, io.EOF
	}
	v := b.B[b.read]
	b.read++
	return v, nil
}

// ReadN consumes n bytes and returns them as a view into the buffer.
// The view is only valid until the next mutation of the buffer.
func (b *Buffer) ReadN(n int) ([]byte, error) {
	if n < 0 || b.read+n > len(b.B) {
		return nil, io.EOF
	}
	v := b.B[b.read : b.read+n]
	b.read += n
	return v, nil
}

// Allocate resizes the buffer to exactly n written bytes, growing the
// backing array when needed. Content beyond the previous length is
// unspecified.
func (b *Buffer) Allocate(n int) {
	b.reserve(n)
	b.B = b.B[:n]
}

// Extend grows the written region by n bytes and returns the new region
// for the caller to fill in.
func (b *Buffer) Extend(n int) []byte {
	l := len(b.B)
	b.reserve(l + n)
	b.B = b.B[:l+n]
	return b.B[l : l+n]
}

// reserve makes sure the backing array holds at least need bytes,
// copying the written content into a larger array when it does not.
func (b *Buffer) reserve(need int) {
	if need <= cap(b.B) {
		return
	}
	nb := make([]byte, len(b.B), need+growthReserve)
	copy(nb, b.B)
	b.B = nb
}

// WriteDataTo writes the whole buffer content to w, retrying on short
// writes.
func (b *Buffer) WriteDataTo(w io.Writer) error {
	l := len(b.B)
	if l == 0 {
		return nil
	}
	off := 0
	for off < l {
		n, err := w.Write(b.B[off:])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// ReadDataFrom appends a single Read from r to the buffer. A limit of 0
// means no limit; exceeding the limit is an error.
func (b *Buffer) ReadDataFrom(r io.Reader, limit int) (int, error) {
	lenB := len(b.B)
	if limit > 0 && lenB > limit {
		return 0, fmt.Errorf("buffer limit exceeded (%d)", limit)
	}
	if capB := cap(b.B); capB == 0 {
		b.reserve(DefaultBufferLength)
	} else if capB-lenB < capB>>1 {
		b.reserve(capB * 2)
	}
	n, err := r.Read(b.B[lenB:cap(b.B)])
	b.B = b.B[:lenB+n]
	return n, err
}

// Write implements io.Writer.
func (b *Buffer) Write(v []byte) (int, error) {
	b.B = append(b.B, v...)
	return len(v), nil
}
