// Package buffer implements the growable byte buffer used for per-connection
// read and write staging.
//
// A Buffer keeps two indices into a contiguous region: the readable span is
// [readPos, writePos), the writable span is [writePos, cap). Everything in
// front of readPos is prependable space that can be reclaimed by shifting the
// readable span left. A Buffer is owned by exactly one connection and is not
// safe for concurrent use.
package buffer

import (
	"golang.org/x/sys/unix"
)

const initialSize = 1024

// extraBufSize is the stack-side overflow region used by ReadFd so that one
// readiness notification drains as much as a single readv can deliver even
// when the buffer is small.
const extraBufSize = 65535

type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New returns a Buffer with the default initial capacity.
func New() *Buffer {
	return NewSize(initialSize)
}

// NewSize returns a Buffer with capacity n.
func NewSize(n int) *Buffer {
	return &Buffer{buf: make([]byte, n)}
}

// ReadableBytes returns the length of the readable span.
func (b *Buffer) ReadableBytes() int { return b.writePos - b.readPos }

// WritableBytes returns the length of the writable span.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writePos }

// PrependableBytes returns the space in front of the readable span.
func (b *Buffer) PrependableBytes() int { return b.readPos }

// Peek returns the readable span. The slice aliases the buffer and is
// invalidated by the next Append, ReadFd or EnsureWritable.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// Retrieve marks n readable bytes as consumed. n must not exceed
// ReadableBytes.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		panic("buffer: retrieve past write position")
	}
	b.readPos += n
}

// RetrieveUntil consumes the readable span up to offset end within Peek().
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

// RetrieveAll resets the buffer to empty.
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllToString returns the readable span as a string and resets the
// buffer.
func (b *Buffer) RetrieveAllToString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append copies data into the writable span, growing if needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.writePos:], data)
	b.writePos += len(data)
}

// AppendString copies s into the writable span, growing if needed.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	copy(b.buf[b.writePos:], s)
	b.writePos += len(s)
}

// EnsureWritable guarantees at least n writable bytes.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// makeSpace reclaims prependable space by shifting the readable span to
// offset zero, or resizes when shifting is not enough.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n {
		grown := make([]byte, b.writePos+n+1)
		copy(grown, b.buf[:b.writePos])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf, b.buf[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = readable
}

// ReadFd drains fd into the buffer with a single readv. The writable tail is
// the first vector and a 64 KiB overflow region the second; overflow bytes
// are appended afterwards, growing the buffer. Returns the byte count the
// kernel delivered.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()
	iov := [][]byte{b.buf[b.writePos:], extra[:]}
	n, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writePos += n
	} else {
		b.writePos = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFd writes the readable span to fd with one write call and consumes
// whatever the kernel accepted. Partial writes are the caller's problem.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	b.readPos += n
	return n, nil
}
