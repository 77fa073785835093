package allreduce

import "github.com/unixpickle/groupcomm/collcomm"

// A NaiveAllreducer sends every vector from every rank to
// every other rank.
type NaiveAllreducer[T any] struct{}

// Allreduce combines all of the ranks' vectors on every
// rank.
func (n NaiveAllreducer[T]) Allreduce(c *collcomm.Comms, data []T,
	op collcomm.ReduceOp[T]) ([]T, error) {
	if err := c.Bcast(Tag, collcomm.HostBuffer[T](data)); err != nil {
		return nil, err
	}

	// Combine in rank order so all ranks compute the
	// exact same result.
	gathered := make([][]T, c.Size())
	for src := range gathered {
		if src == c.Index() {
			gathered[src] = data
			continue
		}
		incoming := make([]T, len(data))
		if err := c.Recv(src, Tag, collcomm.HostBuffer[T](incoming)); err != nil {
			return nil, err
		}
		gathered[src] = incoming
	}

	return collcomm.ReduceVectors(c.Handle, op, gathered...), nil
}
