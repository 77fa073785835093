package simulator

import "testing"

func newTestPorts(loop *EventLoop, n int) ([]*Node, []*Port) {
	nodes := make([]*Node, n)
	ports := make([]*Port, n)
	for i := range nodes {
		nodes[i] = NewNode()
		ports[i] = nodes[i].Port(loop)
	}
	return nodes, ports
}

func TestSwitchedNetworkSingleMessage(t *testing.T) {
	loop := NewEventLoop()
	nodes, ports := newTestPorts(loop, 2)
	network := NewSwitcherNetwork(NewGreedyDropSwitcher(2, 2.0), nodes, 3.0)

	for i := range ports {
		i := i
		src, dst := ports[i], ports[1-i]
		loop.Go(func(h *Handle) {
			network.Send(h, &Message{Source: src, Dest: dst, Payload: i, Size: 124.0})
			if val := src.Recv(h).Payload; val != 1-i {
				t.Errorf("unexpected message: %v", val)
			}
		})
	}

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	expectedTime := 124.0/2.0 + 3.0
	if loop.Time() != expectedTime {
		t.Errorf("time should be %f but got %f", expectedTime, loop.Time())
	}
}

func TestSwitchedNetworkOversubscribed(t *testing.T) {
	loop := NewEventLoop()
	nodes, ports := newTestPorts(loop, 2)
	dataRate := 4.0
	network := NewSwitcherNetwork(NewGreedyDropSwitcher(2, dataRate), nodes, 2.0)

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: ports[0], Dest: ports[1], Payload: "first", Size: 123.0})
		network.Send(h, &Message{Source: ports[0], Dest: ports[1], Payload: "second", Size: 124.0})
		if val := ports[0].Recv(h).Payload; val != "reply" {
			t.Errorf("unexpected message: %v", val)
		}
		if expected := 1.0 + 2.0 + 124.0/dataRate; h.Time() != expected {
			t.Errorf("expected time %f but got %f", expected, h.Time())
		}
	})

	loop.Go(func(h *Handle) {
		// Reschedule while the other messages are in flight.
		h.Sleep(1)
		network.Send(h, &Message{Source: ports[1], Dest: ports[0], Payload: "reply", Size: 124.0})
		if val := ports[1].Recv(h).Payload; val != "first" {
			t.Errorf("unexpected message: %v", val)
		}
		expected := 2.0 + 2.0*123.0/dataRate
		if h.Time() != expected {
			t.Errorf("expected time %f but got %f", expected, h.Time())
		}
		if val := ports[1].Recv(h).Payload; val != "second" {
			t.Errorf("unexpected message: %v", val)
		}
		expected += 1.0 / dataRate
		if h.Time() != expected {
			t.Errorf("expected time %f but got %f", expected, h.Time())
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	// No stray deliveries may remain.
	for _, port := range ports {
		loop.Go(func(h *Handle) {
			h.Poll(port.Incoming)
		})
		if loop.Run() == nil {
			t.Error("expected deadlock error")
		}
	}
}

func TestLatencyNetwork(t *testing.T) {
	loop := NewEventLoopSeed(1)
	_, ports := newTestPorts(loop, 3)
	network := &LatencyNetwork{Latency: 0.5, Rate: 8}

	loop.Go(func(h *Handle) {
		network.Send(h,
			&Message{Source: ports[0], Dest: ports[1], Payload: 1, Size: 16},
			&Message{Source: ports[0], Dest: ports[2], Payload: 2, Size: 32},
		)
	})
	for i, expected := range []float64{2.5, 4.5} {
		i, expected := i, expected
		port := ports[i+1]
		loop.Go(func(h *Handle) {
			port.Recv(h)
			if h.Time() != expected {
				t.Errorf("port %d: expected time %f but got %f", i+1, expected, h.Time())
			}
		})
	}
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestRandomNetworkDelivers(t *testing.T) {
	loop := NewEventLoopSeed(7)
	_, ports := newTestPorts(loop, 2)
	loop.Go(func(h *Handle) {
		for i := 0; i < 10; i++ {
			RandomNetwork{}.Send(h, &Message{Source: ports[0], Dest: ports[1], Payload: i})
		}
	})
	seen := map[int]bool{}
	loop.Go(func(h *Handle) {
		for i := 0; i < 10; i++ {
			seen[ports[1].Recv(h).Payload.(int)] = true
		}
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 10 {
		t.Errorf("expected 10 distinct messages but got %d", len(seen))
	}
	if loop.Time() >= 1 {
		t.Errorf("delays should be below 1 but clock is %f", loop.Time())
	}
}
