package groupcomm

import (
	"github.com/unixpickle/groupcomm/collcomm"
	"github.com/unixpickle/groupcomm/collcomm/allreduce"
	"github.com/unixpickle/groupcomm/device"
	"github.com/unixpickle/groupcomm/topology"
)

// Synchronize assembles a field in slave layout: the
// owner of each group adds up every sharer's values, then
// sends the sum back to all of them.
func Synchronize[T collcomm.Number](d *Descriptor[T], data *device.Buffer[T]) error {
	if err := d.Reduce(data, topology.SlaveLayout, collcomm.Sum[T]{}); err != nil {
		return err
	}
	return d.Bcast(data, topology.SlaveLayout)
}

// GlobalSum adds up a field in master layout across all
// ranks. Each true degree of freedom is counted once, by
// its owner.
//
// Every rank must call GlobalSum together.
func GlobalSum[T collcomm.Number](d *Descriptor[T], data *device.Buffer[T],
	r allreduce.Allreducer[T]) (T, error) {
	host := device.Download(data)
	var partial T
	for g := 0; g < d.topo.GroupCount(); g++ {
		if !d.topo.IsMaster(g) {
			continue
		}
		for _, idx := range d.tables.GroupIndices(topology.MasterLayout, g) {
			partial += host[idx]
		}
	}
	res, err := r.Allreduce(d.cfg.Comms, []T{partial}, collcomm.Sum[T]{})
	if err != nil {
		return 0, err
	}
	return res[0], nil
}
