package collcomm

import (
	"unsafe"

	"github.com/pkg/errors"
)

// A Buffer is a region of memory the transport can send
// from or receive into.
type Buffer interface {
	// Len is the number of elements in the region.
	Len() int

	// ElemSize is the size of one element in bytes.
	ElemSize() int

	// OnDevice reports whether the region lives in
	// accelerator memory. Such buffers can only be used
	// by device-aware transports.
	OnDevice() bool

	// Read returns a private copy of the contents.
	Read() interface{}

	// Write stores a payload produced by Read on the
	// sending side.
	Write(payload interface{}) error
}

// HostBuffer is a Buffer backed by ordinary memory.
type HostBuffer[T any] []T

func (h HostBuffer[T]) Len() int {
	return len(h)
}

func (h HostBuffer[T]) ElemSize() int {
	return SizeOf[T]()
}

func (h HostBuffer[T]) OnDevice() bool {
	return false
}

func (h HostBuffer[T]) Read() interface{} {
	return append([]T(nil), h...)
}

func (h HostBuffer[T]) Write(payload interface{}) error {
	return Decode([]T(h), payload)
}

// Decode copies a received payload into dst.
//
// A payload of a different element type fails with
// ErrType, and one longer than dst with ErrTruncate.
// Shorter payloads fill a prefix of dst.
func Decode[T any](dst []T, payload interface{}) error {
	src, err := Payload[T](payload, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Payload checks that a received payload holds at most
// room elements of type T and returns them.
func Payload[T any](payload interface{}, room int) ([]T, error) {
	src, ok := payload.([]T)
	if !ok {
		return nil, errors.Wrapf(ErrType, "cannot receive %T into []%T", payload, *new(T))
	}
	if len(src) > room {
		return nil, errors.Wrapf(ErrTruncate, "received %d elements into room for %d", len(src), room)
	}
	return src, nil
}

// SizeOf returns the size of a T in bytes.
func SizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}
