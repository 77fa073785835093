// Package device emulates an accelerator with its own
// memory and an asynchronous, in-order execution stream.
//
// Device memory is only reachable through this package:
// kernels run on the stream, and host code moves data in
// and out with explicit copies that fence the stream
// first.
package device

import (
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrOutOfMemory is returned when an allocation does not
// fit in the device's remaining capacity.
var ErrOutOfMemory = errors.New("device: out of memory")

// lockStripes is the number of locks guarding
// accumulating kernels.
const lockStripes = 64

// A Device is an emulated accelerator.
//
// Work submitted to a Device runs on a single stream in
// submission order. Each kernel is spread across Workers
// Goroutines.
type Device struct {
	ID      string
	Workers int

	capacity int64

	lock   sync.Mutex
	used   int64
	closed bool

	tasks   chan func()
	stopped chan struct{}
	stripes [lockStripes]sync.Mutex
}

// New creates a Device with capacity bytes of memory and
// starts its stream.
// A capacity of 0 means unlimited memory.
func New(capacity int64) *Device {
	d := &Device{
		ID:       uuid.NewString(),
		Workers:  runtime.NumCPU(),
		capacity: capacity,
		tasks:    make(chan func(), 128),
		stopped:  make(chan struct{}),
	}
	go d.runStream()
	return d
}

// Close waits for outstanding work and stops the stream.
// The Device must not be used afterwards.
func (d *Device) Close() {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return
	}
	d.closed = true
	d.lock.Unlock()

	close(d.tasks)
	<-d.stopped
}

// Used returns the number of allocated bytes.
func (d *Device) Used() int64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.used
}

// Synchronize blocks until all previously submitted work
// has finished.
func (d *Device) Synchronize() {
	done := make(chan struct{})
	d.enqueue(func() {
		close(done)
	})
	<-done
}

// Launch submits a kernel that runs f(i) for every i in
// [0, n). Invocations must be independent of each other.
//
// Launch returns without waiting for the kernel.
func (d *Device) Launch(n int, f func(i int)) {
	if n == 0 {
		return
	}
	d.enqueue(func() {
		d.parallelFor(n, f)
	})
}

func (d *Device) enqueue(task func()) {
	d.lock.Lock()
	closed := d.closed
	d.lock.Unlock()
	if closed {
		panic("device: use of closed device")
	}
	d.tasks <- task
}

func (d *Device) runStream() {
	defer close(d.stopped)
	for task := range d.tasks {
		task()
	}
}

func (d *Device) parallelFor(n int, f func(i int)) {
	workers := d.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < n; start += chunk {
		start, end := start, min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				f(i)
			}
			return nil
		})
	}
	g.Wait()
}

func (d *Device) reserve(size int64) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.capacity > 0 && d.used+size > d.capacity {
		return errors.Wrapf(ErrOutOfMemory, "device %s: %d bytes requested with %d of %d in use",
			d.ID, size, d.used, d.capacity)
	}
	d.used += size
	klog.V(3).Infof("device %s: allocated %d bytes (%d in use)", d.ID, size, d.used)
	return nil
}

func (d *Device) release(size int64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.used -= size
	klog.V(3).Infof("device %s: released %d bytes (%d in use)", d.ID, size, d.used)
}

func (d *Device) stripe(idx int) *sync.Mutex {
	return &d.stripes[idx%lockStripes]
}
