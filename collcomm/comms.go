package collcomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/groupcomm/simulator"
	"k8s.io/klog/v2"
)

var (
	ErrNotAddressable = errors.New("collcomm: device buffer used by a transport that is not device-aware")
	ErrTruncate       = errors.New("collcomm: message truncated")
	ErrType           = errors.New("collcomm: element type mismatch")
	ErrRank           = errors.New("collcomm: rank out of range")
)

// Comms is one rank's view of a message-passing world.
//
// Messages are addressed by rank and tag. Between a given
// pair of ranks, messages with the same tag are matched
// to receives in the order they were sent, no matter how
// the network reorders them.
//
// A Comms must only be used from the Goroutine that owns
// its Handle.
type Comms struct {
	// Handle is the rank's Goroutine's handle on the
	// event loop.
	Handle *simulator.Handle

	// Port is the rank's own port.
	Port *simulator.Port

	// Ports holds the port of every rank, indexed by rank.
	Ports []*simulator.Port

	Network simulator.Network

	// DeviceAware is set if the transport can read and
	// write device memory directly.
	DeviceAware bool

	rank       int
	sendSeq    map[channel]int64
	recvSeq    map[channel]int64
	posted     []*Request
	unexpected []*envelope
}

// NewComms creates the Comms for the rank whose port is
// ports[rank].
func NewComms(h *simulator.Handle, network simulator.Network, ports []*simulator.Port,
	rank int) *Comms {
	return &Comms{
		Handle:  h,
		Port:    ports[rank],
		Ports:   ports,
		Network: network,
		rank:    rank,
		sendSeq: map[channel]int64{},
		recvSeq: map[channel]int64{},
	}
}

// SpawnComms creates a Comms for every node and calls f
// for each one in its own Goroutine on the loop.
// The rank of a node is its index in nodes.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		rank := i
		loop.Go(func(h *simulator.Handle) {
			f(NewComms(h, network, ports, rank))
		})
	}
}

// Size gets the number of ranks.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Index returns the current rank.
func (c *Comms) Index() int {
	return c.rank
}

// IndexOf returns the rank owning a port.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}

// A Request tracks one non-blocking send or receive.
type Request struct {
	recv bool
	peer int
	tag  int
	seq  int64
	buf  Buffer

	done  bool
	count int
	err   error
}

// Done reports whether the operation has completed.
func (r *Request) Done() bool {
	return r.done
}

// Count is the number of elements transferred.
// It is only meaningful once Done is true.
func (r *Request) Count() int {
	return r.count
}

// Err is the failure of a completed operation, if any.
func (r *Request) Err() error {
	return r.err
}

type channel struct {
	peer int
	tag  int
}

type envelope struct {
	source  int
	tag     int
	seq     int64
	count   int
	payload interface{}
}

// Isend starts sending buf to rank dst.
//
// The contents of buf are copied before Isend returns, so
// the request is complete immediately and buf may be
// reused.
func (c *Comms) Isend(dst, tag int, buf Buffer) (*Request, error) {
	if err := c.checkBuffer(dst, buf); err != nil {
		return nil, err
	}
	ch := channel{peer: dst, tag: tag}
	seq := c.sendSeq[ch]
	c.sendSeq[ch]++

	env := &envelope{source: c.rank, tag: tag, seq: seq, count: buf.Len(), payload: buf.Read()}
	c.Network.Send(c.Handle, &simulator.Message{
		Source:  c.Port,
		Dest:    c.Ports[dst],
		Payload: env,
		Size:    float64(buf.Len() * buf.ElemSize()),
	})
	klog.V(4).Infof("collcomm: rank %d sent %d elements to %d (tag=%d seq=%d)", c.rank, buf.Len(),
		dst, tag, seq)
	return &Request{peer: dst, tag: tag, seq: seq, buf: buf, done: true, count: buf.Len()}, nil
}

// Irecv starts receiving the next message from rank src
// with the given tag into buf.
func (c *Comms) Irecv(src, tag int, buf Buffer) (*Request, error) {
	if err := c.checkBuffer(src, buf); err != nil {
		return nil, err
	}
	ch := channel{peer: src, tag: tag}
	req := &Request{recv: true, peer: src, tag: tag, seq: c.recvSeq[ch], buf: buf}
	c.recvSeq[ch]++

	for i, env := range c.unexpected {
		if req.matches(env) {
			essentials.OrderedDelete(&c.unexpected, i)
			req.complete(env)
			return req, nil
		}
	}
	c.posted = append(c.posted, req)
	return req, nil
}

// WaitAny blocks until one of the non-nil requests has
// completed, sets its entry to nil and returns its index
// along with its error.
//
// If every entry is nil, it returns -1.
func (c *Comms) WaitAny(reqs []*Request) (int, error) {
	for {
		active := false
		for i, req := range reqs {
			if req == nil {
				continue
			}
			active = true
			if req.done {
				reqs[i] = nil
				return i, req.err
			}
		}
		if !active {
			return -1, nil
		}
		c.progress()
	}
}

// WaitAll blocks until every non-nil request completes
// and sets all entries to nil.
//
// The first failed request's error is returned.
func (c *Comms) WaitAll(reqs []*Request) error {
	var firstErr error
	for i, req := range reqs {
		if req == nil {
			continue
		}
		for !req.done {
			c.progress()
		}
		if req.err != nil && firstErr == nil {
			firstErr = req.err
		}
		reqs[i] = nil
	}
	return firstErr
}

// Wait blocks until a single request completes.
func (c *Comms) Wait(req *Request) error {
	return c.WaitAll([]*Request{req})
}

// Send is a blocking Isend.
func (c *Comms) Send(dst, tag int, buf Buffer) error {
	req, err := c.Isend(dst, tag, buf)
	if err != nil {
		return err
	}
	return c.Wait(req)
}

// Recv is a blocking Irecv.
func (c *Comms) Recv(src, tag int, buf Buffer) error {
	req, err := c.Irecv(src, tag, buf)
	if err != nil {
		return err
	}
	return c.Wait(req)
}

// Bcast sends buf to every other rank.
func (c *Comms) Bcast(tag int, buf Buffer) error {
	for dst := range c.Ports {
		if dst == c.rank {
			continue
		}
		if err := c.Send(dst, tag, buf); err != nil {
			return err
		}
	}
	return nil
}

func (c *Comms) checkBuffer(peer int, buf Buffer) error {
	if peer < 0 || peer >= len(c.Ports) {
		return errors.Wrapf(ErrRank, "rank %d of %d", peer, len(c.Ports))
	}
	if buf.OnDevice() && !c.DeviceAware {
		return ErrNotAddressable
	}
	return nil
}

// progress blocks for the next incoming message and
// matches it against the posted receives.
func (c *Comms) progress() {
	env := c.Port.Recv(c.Handle).Payload.(*envelope)
	for i, req := range c.posted {
		if req.matches(env) {
			essentials.OrderedDelete(&c.posted, i)
			req.complete(env)
			klog.V(4).Infof("collcomm: rank %d matched message from %d (tag=%d seq=%d)", c.rank,
				env.source, env.tag, env.seq)
			return
		}
	}
	c.unexpected = append(c.unexpected, env)
}

func (r *Request) matches(env *envelope) bool {
	return r.peer == env.source && r.tag == env.tag && r.seq == env.seq
}

func (r *Request) complete(env *envelope) {
	r.done = true
	r.count = env.count
	r.err = r.buf.Write(env.payload)
}
