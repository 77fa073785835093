package simulator

import (
	"math"
	"sync"
)

// A Node is a machine on a virtual network.
type Node struct {
	// Name is only used for diagnostics.
	Name string
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// Port creates a Port attached to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port is an endpoint on a Node.
// Messages are sent from Ports and received on Ports.
type Port struct {
	Node *Node

	// Incoming carries *Message values.
	Incoming *EventStream
}

// Recv blocks until the next message reaches the Port.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data in flight between Ports.
type Message struct {
	Source  *Port
	Dest    *Port
	Payload interface{}

	// Size is the number of bytes on the wire.
	Size float64
}

// A Network moves messages between Ports.
type Network interface {
	// Send schedules messages for delivery on their
	// destinations' Incoming streams.
	//
	// Send never blocks. Networks may reorder messages,
	// even between the same pair of Ports.
	//
	// Passing many messages at once lets a Network plan
	// their timeline together.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork delays every message by a uniformly
// random amount of time in [0, 1).
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, h.Float64())
	}
}

// A LatencyNetwork charges each message a fixed latency
// plus a transfer time at a fixed byte rate, with an
// optional random jitter. Links never interfere.
type LatencyNetwork struct {
	Latency float64
	Rate    float64
	Jitter  float64
}

// Send sends the messages over independent links.
func (l *LatencyNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		delay := l.Latency
		if l.Rate > 0 {
			delay += msg.Size / l.Rate
		}
		if l.Jitter > 0 {
			delay += h.Float64() * l.Jitter
		}
		h.Schedule(msg.Dest.Incoming, msg, delay)
	}
}

// A SwitcherNetwork routes data through a Switcher, so
// concurrent messages share node bandwidth and slow each
// other down.
type SwitcherNetwork struct {
	lock sync.Mutex

	switcher Switcher
	nodes    []*Node
	latency  float64

	plan switchedPlan
}

// NewSwitcherNetwork creates a SwitcherNetwork.
//
// Every delivery pays an extra constant latency. The
// latency period counts towards oversubscription, which
// can overestimate congestion by up to a factor of two.
func NewSwitcherNetwork(switcher Switcher, nodes []*Node, latency float64) *SwitcherNetwork {
	return &SwitcherNetwork{
		switcher: switcher,
		nodes:    nodes,
		latency:  latency,
	}
}

// Send adds the messages to the network and replans the
// delivery of everything still in flight.
func (s *SwitcherNetwork) Send(h *Handle, msgs ...*Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	state := s.stopPlan(h)
	for _, msg := range msgs {
		state = append(state, &switchedMsg{
			msg:              msg,
			remainingLatency: s.latency,
			remainingSize:    msg.Size,
		})
	}
	s.createPlan(h, state)
}

// stopPlan cancels pending deliveries and returns the
// in-flight messages as of the current time.
func (s *SwitcherNetwork) stopPlan(h *Handle) []*switchedMsg {
	now := h.Time()
	var current []*switchedMsg
	for _, seg := range s.plan {
		if now >= seg.endTime {
			continue
		}
		if now >= seg.startTime {
			for _, msg := range seg.startState {
				current = append(current, msg.Advance(now-seg.startTime))
			}
		}
		for _, timer := range seg.timers {
			h.Cancel(timer)
		}
	}
	return current
}

func (s *SwitcherNetwork) assignRates(state []*switchedMsg) {
	index := make(map[*Node]int, len(s.nodes))
	for i, node := range s.nodes {
		index[node] = i
	}
	link := func(m *switchedMsg) (int, int) {
		return index[m.msg.Source.Node], index[m.msg.Dest.Node]
	}

	// Senders are treated as busy during the latency
	// period, which is slightly pessimistic.
	active := NewConnMat(len(s.nodes))
	counts := NewConnMat(len(s.nodes))
	for _, msg := range state {
		src, dst := link(msg)
		active.Set(src, dst, 1)
		counts.Set(src, dst, counts.Get(src, dst)+1)
	}
	s.switcher.SwitchedRates(active)
	for _, msg := range state {
		src, dst := link(msg)
		msg.dataRate = active.Get(src, dst) / counts.Get(src, dst)
	}
}

func (s *SwitcherNetwork) createPlan(h *Handle, state []*switchedMsg) {
	s.plan = make(switchedPlan, 0, len(state))
	start := h.Time()
	for len(state) > 0 {
		s.assignRates(state)
		done, rest, eta := splitFirstArrivals(state)

		timers := make([]*Timer, len(done))
		for i, msg := range done {
			timers[i] = h.Schedule(msg.msg.Dest.Incoming, msg.msg, start-h.Time()+eta)
		}
		end := timers[0].Time()
		s.plan = append(s.plan, &switchedPlanSegment{
			startTime:  start,
			endTime:    end,
			timers:     timers,
			startState: state,
		})

		for i, msg := range rest {
			rest[i] = msg.Advance(end - start)
		}
		state = rest
		start = end
	}
}

// switchedMsg is a message part-way through a
// SwitcherNetwork.
type switchedMsg struct {
	msg *Message

	remainingLatency float64
	remainingSize    float64
	dataRate         float64
}

// ETA is the time left until delivery at the current
// data rate.
func (s *switchedMsg) ETA() float64 {
	return math.Max(0, s.remainingLatency+s.remainingSize/s.dataRate)
}

// Advance returns a copy of the message after t units of
// time at the current data rate.
func (s *switchedMsg) Advance(t float64) *switchedMsg {
	res := *s
	if t < res.remainingLatency {
		res.remainingLatency -= t
		return &res
	}
	t -= res.remainingLatency
	res.remainingLatency = 0
	res.remainingSize -= res.dataRate * t
	return &res
}

// A switchedPlanSegment is a stretch of time with fixed
// data rates. It ends with at least one delivery.
type switchedPlanSegment struct {
	startTime float64
	endTime   float64
	timers    []*Timer

	startState []*switchedMsg
}

type switchedPlan []*switchedPlanSegment

// splitFirstArrivals separates the messages that arrive
// soonest from the rest.
func splitFirstArrivals(msgs []*switchedMsg) (first, rest []*switchedMsg, eta float64) {
	etas := make([]float64, len(msgs))
	eta = math.Inf(1)
	for i, msg := range msgs {
		etas[i] = msg.ETA()
		eta = math.Min(eta, etas[i])
	}
	rest = make([]*switchedMsg, 0, len(msgs)-1)
	for i, msg := range msgs {
		if etas[i] == eta {
			first = append(first, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	return first, rest, eta
}
