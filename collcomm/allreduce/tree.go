package allreduce

import "github.com/unixpickle/groupcomm/collcomm"

// A TreeAllreducer arranges the ranks in a binary tree,
// reduces up to the root and then broadcasts the result
// back down to the leaves.
type TreeAllreducer[T any] struct{}

// Allreduce combines vectors along the tree and returns
// the final vector.
func (t TreeAllreducer[T]) Allreduce(c *collcomm.Comms, data []T,
	op collcomm.ReduceOp[T]) ([]T, error) {
	parent, children := positionInTree(c.Index(), c.Size())

	vecs := [][]T{data}
	for _, child := range children {
		msg := make([]T, len(data))
		if err := c.Recv(child, Tag, collcomm.HostBuffer[T](msg)); err != nil {
			return nil, err
		}
		vecs = append(vecs, msg)
	}

	result := collcomm.ReduceVectors(c.Handle, op, vecs...)
	if parent >= 0 {
		if err := c.Send(parent, Tag, collcomm.HostBuffer[T](result)); err != nil {
			return nil, err
		}
		if err := c.Recv(parent, Tag, collcomm.HostBuffer[T](result)); err != nil {
			return nil, err
		}
	}

	for _, child := range children {
		if err := c.Send(child, Tag, collcomm.HostBuffer[T](result)); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// positionInTree returns the parent rank (-1 for the
// root) and the child ranks of a rank in a heap-ordered
// binary tree of size ranks.
func positionInTree(rank, size int) (parent int, children []int) {
	parent = -1
	if rank > 0 {
		parent = (rank - 1) / 2
	}
	for _, child := range []int{2*rank + 1, 2*rank + 2} {
		if child < size {
			children = append(children, child)
		}
	}
	return parent, children
}
