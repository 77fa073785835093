// Package groupcomm keeps values at shared degrees of
// freedom consistent across ranks when the values live in
// device memory.
//
// A Descriptor gathers each neighbor's shared values into
// a region of a device transfer buffer, exchanges the
// regions with non-blocking messages, and scatters the
// incoming regions back into the data array, either
// overwriting (broadcast from the owner) or combining
// (reduce into the owner).
package groupcomm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/groupcomm/collcomm"
	"github.com/unixpickle/groupcomm/device"
	"github.com/unixpickle/groupcomm/topology"
	"k8s.io/klog/v2"
)

var (
	ErrReentrant     = errors.New("groupcomm: descriptor is already in use")
	ErrStateMismatch = errors.New("groupcomm: end does not match the operation in flight")
	ErrNoOp          = errors.New("groupcomm: no reduce operator")
	ErrForeignData   = errors.New("groupcomm: data is not on the descriptor's device")
)

// sendMarker tags requests that are sends.
const sendMarker = -1

// Topology is the group structure a Descriptor exchanges
// over. See topology.GroupTopology.
type Topology interface {
	NeighborCount() int
	NeighborRank(nbr int) int
	SendGroups(nbr int) []int
	RecvGroups(nbr int) []int
	GroupCount() int
	IsMaster(group int) bool
}

// IndexTables maps groups to local indices per layout.
// See topology.Tables.
type IndexTables interface {
	GroupSize(layout topology.Layout, group int) int
	GroupIndices(layout topology.Layout, group int) []int
}

// State is the operation a Descriptor has in flight.
type State int

const (
	Idle State = iota
	BroadcastInFlight
	ReduceInFlight
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case BroadcastInFlight:
		return "broadcast in flight"
	case ReduceInFlight:
		return "reduce in flight"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Region is the part of the transfer buffer used for
// one neighbor: first the values sent to it, then the
// values received from it.
type Region struct {
	Neighbor int
	Rank     int
	Start    int
	End      int
}

// A Descriptor exchanges values of type T at shared
// degrees of freedom.
//
// At most one Begin/End pair may be outstanding. Between
// Begin and End, the only legal call is the matching End,
// and the caller must not modify the sent values or read
// the received ones.
//
// A Descriptor must only be used by the Goroutine owning
// its Comms.
type Descriptor[T any] struct {
	ID string

	cfg       Config
	topo      Topology
	tables    IndexTables
	defaultOp collcomm.ReduceOp[T]

	bufSize int
	devBuf  *device.Buffer[T]
	hostBuf []T

	state    State
	requests []*collcomm.Request
	issued   []*collcomm.Request
	markers  []int
	expected []int
	offsets  []int
	regions  []Region
}

// New creates a Descriptor. Its ReduceEnd requires an
// explicit operator.
func New[T any](cfg Config, topo Topology, tables IndexTables) (*Descriptor[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkNeighbors(cfg.Comms, topo); err != nil {
		return nil, err
	}
	d := &Descriptor[T]{
		ID:      uuid.NewString(),
		cfg:     cfg,
		topo:    topo,
		tables:  tables,
		offsets: make([]int, topo.NeighborCount()),
	}
	for nbr := 1; nbr < topo.NeighborCount(); nbr++ {
		d.bufSize += d.groupsSize(topo.SendGroups(nbr)) + d.groupsSize(topo.RecvGroups(nbr))
	}
	klog.V(2).Infof("groupcomm %s: rank %d, %d neighbors, %d buffer elements, %s mode", d.ID,
		d.rank(), topo.NeighborCount()-1, d.bufSize, cfg.Mode())
	return d, nil
}

// checkNeighbors makes sure every message a Descriptor
// will post is addressable, so Begin never fails halfway
// through its neighbors.
func checkNeighbors(c *collcomm.Comms, topo Topology) error {
	if topo.NeighborCount() < 1 || topo.NeighborRank(0) != c.Index() {
		return errors.Wrapf(ErrConfig, "neighbor 0 of the topology is not rank %d", c.Index())
	}
	for nbr := 1; nbr < topo.NeighborCount(); nbr++ {
		rank := topo.NeighborRank(nbr)
		if rank < 0 || rank >= c.Size() || rank == c.Index() {
			return errors.Wrapf(ErrConfig, "neighbor %d is rank %d in a world of %d", nbr, rank,
				c.Size())
		}
	}
	return nil
}

// NewSum is like New, but ReduceEnd adds by default.
func NewSum[T collcomm.Number](cfg Config, topo Topology, tables IndexTables) (*Descriptor[T], error) {
	d, err := New[T](cfg, topo, tables)
	if err != nil {
		return nil, err
	}
	d.defaultOp = collcomm.Sum[T]{}
	return d, nil
}

// SetDefaultOp sets the operator ReduceEnd uses when it
// is passed nil.
func (d *Descriptor[T]) SetDefaultOp(op collcomm.ReduceOp[T]) {
	d.defaultOp = op
}

// State returns the operation in flight.
func (d *Descriptor[T]) State() State {
	return d.state
}

// BufferSize is the number of elements exchanged by one
// broadcast or reduce.
func (d *Descriptor[T]) BufferSize() int {
	return d.bufSize
}

// Pending returns the number of requests posted by the
// last Begin that End has not retired.
func (d *Descriptor[T]) Pending() int {
	var n int
	for _, req := range d.requests {
		if req != nil {
			n++
		}
	}
	return n
}

// Regions returns the neighbor regions laid out by the
// last Begin, in neighbor order.
func (d *Descriptor[T]) Regions() []Region {
	return append([]Region(nil), d.regions...)
}

// BroadcastBegin starts copying the values of the groups
// this rank owns to every rank sharing them.
//
// data follows layout, usually topology.MasterLayout.
func (d *Descriptor[T]) BroadcastBegin(data *device.Buffer[T], layout topology.Layout) error {
	return d.begin(data, BroadcastInFlight, layout)
}

// BroadcastEnd waits for the broadcast and overwrites the
// values of the groups owned by other ranks, in layout.
//
// Incoming regions are applied in completion order.
// Calling BroadcastEnd with nothing in flight does
// nothing.
//
// If data or layout is rejected, nothing is waited on and
// the broadcast stays in flight: call BroadcastEnd again
// with valid arguments. Once waiting starts, every request
// is retired and the descriptor returns to Idle even on
// failure. A region whose message has the wrong length is
// not applied and the error wraps collcomm.ErrTruncate.
func (d *Descriptor[T]) BroadcastEnd(data *device.Buffer[T], layout topology.Layout) error {
	if d.state == Idle {
		return nil
	}
	if d.state != BroadcastInFlight {
		return errors.Wrapf(ErrStateMismatch, "broadcast end with %v", d.state)
	}
	if err := d.checkData(data); err != nil {
		return err
	}
	if err := d.checkUnpack(layout, d.topo.RecvGroups); err != nil {
		return err
	}
	var firstErr error
	for {
		i, err := d.cfg.Comms.WaitAny(d.requests)
		if i < 0 {
			break
		}
		nbr := d.markers[i]
		if err == nil {
			err = d.checkCount(i)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "groupcomm %s: broadcast", d.ID)
			}
			continue
		}
		if nbr != sendMarker {
			d.unpack(data, nbr, d.topo.RecvGroups(nbr), layout, nil)
		}
	}
	d.finish()
	return firstErr
}

// ReduceBegin starts sending the values of the groups
// owned by other ranks to their owners.
//
// data follows topology.SlaveLayout.
func (d *Descriptor[T]) ReduceBegin(data *device.Buffer[T]) error {
	return d.begin(data, ReduceInFlight, topology.SlaveLayout)
}

// ReduceEnd waits for every contribution and combines
// them into the values of the groups this rank owns, in
// layout (usually topology.MasterLayout).
//
// A nil op selects the default operator. Calling
// ReduceEnd with nothing in flight does nothing.
//
// If op, data or layout is rejected, nothing is waited on
// and the reduce stays in flight: call ReduceEnd again
// with valid arguments. Once waiting starts, every request
// is retired and the descriptor returns to Idle. Nothing
// is combined unless every contribution arrived intact; a
// contribution of the wrong length fails with an error
// wrapping collcomm.ErrTruncate.
func (d *Descriptor[T]) ReduceEnd(data *device.Buffer[T], layout topology.Layout,
	op collcomm.ReduceOp[T]) error {
	if d.state == Idle {
		return nil
	}
	if d.state != ReduceInFlight {
		return errors.Wrapf(ErrStateMismatch, "reduce end with %v", d.state)
	}
	if op == nil {
		op = d.defaultOp
	}
	if op == nil {
		return ErrNoOp
	}
	if err := d.checkData(data); err != nil {
		return err
	}
	if err := d.checkUnpack(layout, d.topo.SendGroups); err != nil {
		return err
	}

	// Every contribution must be present before any group
	// is combined.
	err := d.cfg.Comms.WaitAll(d.requests)
	for i := range d.issued {
		if err != nil {
			break
		}
		err = d.checkCount(i)
	}
	if err != nil {
		d.finish()
		return errors.Wrapf(err, "groupcomm %s: reduce", d.ID)
	}
	for nbr := 1; nbr < d.topo.NeighborCount(); nbr++ {
		if groups := d.topo.SendGroups(nbr); len(groups) > 0 {
			d.unpack(data, nbr, groups, layout, op)
		}
	}
	d.finish()
	return nil
}

// Bcast runs BroadcastBegin and BroadcastEnd with the
// same layout.
func (d *Descriptor[T]) Bcast(data *device.Buffer[T], layout topology.Layout) error {
	if err := d.BroadcastBegin(data, layout); err != nil {
		return err
	}
	return d.BroadcastEnd(data, layout)
}

// Reduce runs ReduceBegin and ReduceEnd.
func (d *Descriptor[T]) Reduce(data *device.Buffer[T], layout topology.Layout,
	op collcomm.ReduceOp[T]) error {
	if err := d.ReduceBegin(data); err != nil {
		return err
	}
	return d.ReduceEnd(data, layout, op)
}

// Close releases the transfer buffers.
// It fails if an operation is in flight.
func (d *Descriptor[T]) Close() error {
	if d.state != Idle {
		return errors.Wrapf(ErrReentrant, "close with %v", d.state)
	}
	if d.devBuf != nil {
		d.devBuf.Free()
		d.devBuf = nil
	}
	d.hostBuf = nil
	return nil
}

func (d *Descriptor[T]) begin(data *device.Buffer[T], next State, layout topology.Layout) error {
	if d.state != Idle {
		return errors.Wrapf(ErrReentrant, "%v requested with %v", next, d.state)
	}
	if d.bufSize == 0 {
		return nil
	}
	if err := d.checkData(data); err != nil {
		return err
	}
	if err := d.checkPack(layout, next); err != nil {
		return err
	}
	if err := d.allocate(); err != nil {
		return err
	}

	tag := BroadcastTag
	if next == ReduceInFlight {
		tag = ReduceTag
	}
	klog.V(2).Infof("groupcomm %s: rank %d begins %v", d.ID, d.rank(), next)

	d.regions = d.regions[:0]
	var cursor int
	for nbr := 1; nbr < d.topo.NeighborCount(); nbr++ {
		rank := d.topo.NeighborRank(nbr)
		sendGroups, recvGroups := d.roles(nbr, next)
		start := cursor

		if len(sendGroups) > 0 {
			for _, g := range sendGroups {
				indices := d.tables.GroupIndices(layout, g)
				device.Pack(data, indices, d.devBuf, cursor)
				cursor += len(indices)
			}
			req, err := d.cfg.Comms.Isend(rank, tag, d.stageOut(start, cursor-start))
			if err != nil {
				// New checked every peer, and earlier neighbors
				// already have their messages.
				panic(errors.Wrapf(err, "groupcomm %s: send to rank %d", d.ID, rank))
			}
			d.post(req, sendMarker, cursor-start)
		}

		if len(recvGroups) > 0 {
			size := d.groupsSize(recvGroups)
			req, err := d.cfg.Comms.Irecv(rank, tag, d.transferRegion(cursor, size))
			if err != nil {
				panic(errors.Wrapf(err, "groupcomm %s: receive from rank %d", d.ID, rank))
			}
			d.post(req, nbr, size)
			d.offsets[nbr] = cursor
			cursor += size
		}

		klog.V(3).Infof("groupcomm %s: neighbor %d (rank %d) uses [%d, %d)", d.ID, nbr, rank,
			start, cursor)
		d.regions = append(d.regions, Region{Neighbor: nbr, Rank: rank, Start: start, End: cursor})
	}

	if cursor != d.bufSize {
		panic(fmt.Sprintf("groupcomm: laid out %d elements but the buffer holds %d", cursor, d.bufSize))
	}
	d.state = next
	return nil
}

// roles returns the groups packed for and received from
// a neighbor. A reduce runs a broadcast in reverse.
func (d *Descriptor[T]) roles(nbr int, op State) (send, recv []int) {
	if op == ReduceInFlight {
		return d.topo.RecvGroups(nbr), d.topo.SendGroups(nbr)
	}
	return d.topo.SendGroups(nbr), d.topo.RecvGroups(nbr)
}

func (d *Descriptor[T]) post(req *collcomm.Request, marker, size int) {
	d.requests = append(d.requests, req)
	d.issued = append(d.issued, req)
	d.markers = append(d.markers, marker)
	d.expected = append(d.expected, size)
}

// checkCount makes sure a completed receive filled its
// whole region.
func (d *Descriptor[T]) checkCount(i int) error {
	if d.markers[i] == sendMarker {
		return nil
	}
	if n := d.issued[i].Count(); n != d.expected[i] {
		return errors.Wrapf(collcomm.ErrTruncate, "rank %d sent %d elements for a region of %d",
			d.topo.NeighborRank(d.markers[i]), n, d.expected[i])
	}
	return nil
}

// unpack applies the region received from nbr to data,
// overwriting if op is nil.
func (d *Descriptor[T]) unpack(data *device.Buffer[T], nbr int, groups []int, layout topology.Layout,
	op collcomm.ReduceOp[T]) {
	offset := d.offsets[nbr]
	d.stageIn(offset, d.groupsSize(groups))
	for _, g := range groups {
		indices := d.tables.GroupIndices(layout, g)
		if op == nil {
			device.UnpackOverwrite(d.devBuf, offset, indices, data)
		} else {
			device.UnpackAccumulate(d.devBuf, offset, indices, data, op.Combine)
		}
		offset += len(indices)
	}
}

func (d *Descriptor[T]) finish() {
	klog.V(2).Infof("groupcomm %s: rank %d ends %v after %d requests", d.ID, d.rank(), d.state,
		len(d.requests))
	d.reset()
}

func (d *Descriptor[T]) reset() {
	d.state = Idle
	d.requests = d.requests[:0]
	d.issued = d.issued[:0]
	d.markers = d.markers[:0]
	d.expected = d.expected[:0]
}

// groupsSize sums the local sizes of groups, which is how
// much space they take in the transfer buffer.
func (d *Descriptor[T]) groupsSize(groups []int) int {
	var n int
	for _, g := range groups {
		n += d.tables.GroupSize(topology.SlaveLayout, g)
	}
	return n
}

func (d *Descriptor[T]) checkData(data *device.Buffer[T]) error {
	if data == nil {
		return errors.Wrap(ErrForeignData, "nil data")
	}
	if data.Device() != d.cfg.Device {
		return ErrForeignData
	}
	return nil
}

// checkPack makes sure every group packed by an operation
// fills exactly its share of the transfer buffer.
func (d *Descriptor[T]) checkPack(layout topology.Layout, op State) error {
	if !layout.Valid() {
		return errors.Wrapf(topology.ErrLayout, "%v", layout)
	}
	for nbr := 1; nbr < d.topo.NeighborCount(); nbr++ {
		send, _ := d.roles(nbr, op)
		if err := d.checkSizes(layout, send); err != nil {
			return err
		}
	}
	return nil
}

// checkUnpack is like checkPack for the groups an End
// writes into data.
func (d *Descriptor[T]) checkUnpack(layout topology.Layout, groups func(nbr int) []int) error {
	if !layout.Valid() {
		return errors.Wrapf(topology.ErrLayout, "%v", layout)
	}
	for nbr := 1; nbr < d.topo.NeighborCount(); nbr++ {
		if err := d.checkSizes(layout, groups(nbr)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Descriptor[T]) checkSizes(layout topology.Layout, groups []int) error {
	for _, g := range groups {
		expected := d.tables.GroupSize(topology.SlaveLayout, g)
		if actual := d.tables.GroupSize(layout, g); actual != expected {
			return errors.Wrapf(topology.ErrLayout, "group %d has %d indices in %v layout but %d shared",
				g, actual, layout, expected)
		}
	}
	return nil
}

func (d *Descriptor[T]) rank() int {
	return d.cfg.Comms.Index()
}
