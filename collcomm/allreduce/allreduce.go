// Package allreduce implements algorithms for combining
// vectors held by every rank so that each rank ends up
// with the same result.
package allreduce

import "github.com/unixpickle/groupcomm/collcomm"

// Tag is the message tag used by the allreducers in this
// package. Other traffic on the same Comms must not use it.
const Tag = 51822

// Allreducer is an algorithm that can apply a ReduceOp to
// vectors that are distributed across ranks.
//
// Every rank must call Allreduce with vectors of the same
// length. Successive calls on the same Comms are safe
// because messages are matched in order per rank and tag.
type Allreducer[T any] interface {
	Allreduce(c *collcomm.Comms, data []T, op collcomm.ReduceOp[T]) ([]T, error)
}
