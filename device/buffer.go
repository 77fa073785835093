package device

import (
	"fmt"

	"github.com/unixpickle/groupcomm/collcomm"
)

// A Buffer is an array of elements in device memory.
type Buffer[T any] struct {
	dev   *Device
	data  []T
	bytes int64
	freed bool
}

// Alloc reserves a Buffer of n zero elements.
//
// When the device is full, the error wraps
// ErrOutOfMemory.
func Alloc[T any](d *Device, n int) (*Buffer[T], error) {
	bytes := int64(n) * int64(collcomm.SizeOf[T]())
	if err := d.reserve(bytes); err != nil {
		return nil, err
	}
	return &Buffer[T]{dev: d, data: make([]T, n), bytes: bytes}, nil
}

// Upload allocates a Buffer holding a copy of host.
func Upload[T any](d *Device, host []T) (*Buffer[T], error) {
	b, err := Alloc[T](d, len(host))
	if err != nil {
		return nil, err
	}
	CopyFromHost(b, 0, host)
	return b, nil
}

// Download waits for pending work and returns a host copy
// of the buffer.
func Download[T any](b *Buffer[T]) []T {
	res := make([]T, b.Len())
	CopyToHost(b, 0, res)
	return res
}

// CopyToHost waits for pending work and copies len(dst)
// elements starting at offset into dst.
func CopyToHost[T any](src *Buffer[T], offset int, dst []T) {
	src.checkRange(offset, len(dst))
	src.dev.Synchronize()
	copy(dst, src.data[offset:])
}

// CopyFromHost waits for pending work and copies src into
// the buffer starting at offset.
func CopyFromHost[T any](dst *Buffer[T], offset int, src []T) {
	dst.checkRange(offset, len(src))
	dst.dev.Synchronize()
	copy(dst.data[offset:], src)
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int {
	return len(b.data)
}

// Device returns the device holding the buffer.
func (b *Buffer[T]) Device() *Device {
	return b.dev
}

// Free waits for pending work and returns the memory to
// the device. Freeing twice is a no-op.
func (b *Buffer[T]) Free() {
	if b.freed {
		return
	}
	b.dev.Synchronize()
	b.freed = true
	b.data = nil
	b.dev.release(b.bytes)
}

// Region returns a view of n elements starting at offset
// that a device-aware transport can use directly.
func (b *Buffer[T]) Region(offset, n int) *Region[T] {
	b.checkRange(offset, n)
	return &Region[T]{buf: b, offset: offset, n: n}
}

func (b *Buffer[T]) checkRange(offset, n int) {
	if b.freed {
		panic("device: use of freed buffer")
	}
	if offset < 0 || n < 0 || offset+n > len(b.data) {
		panic(fmt.Sprintf("device: range [%d, %d) out of bounds for buffer of %d",
			offset, offset+n, len(b.data)))
	}
}

// A Region is part of a Buffer exposed to the transport.
//
// Reads and writes are ordered with the device stream, as
// if the transport's DMA engine were another stream
// client.
type Region[T any] struct {
	buf    *Buffer[T]
	offset int
	n      int
}

func (r *Region[T]) Len() int {
	return r.n
}

func (r *Region[T]) ElemSize() int {
	return collcomm.SizeOf[T]()
}

func (r *Region[T]) OnDevice() bool {
	return true
}

func (r *Region[T]) Read() interface{} {
	res := make([]T, r.n)
	CopyToHost(r.buf, r.offset, res)
	return res
}

func (r *Region[T]) Write(payload interface{}) error {
	src, err := collcomm.Payload[T](payload, r.n)
	if err != nil {
		return err
	}
	r.buf.checkRange(r.offset, len(src))
	dst := r.buf.data[r.offset:]
	r.buf.dev.enqueue(func() {
		copy(dst, src)
	})
	return nil
}
