package collcomm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/groupcomm/simulator"
)

func spawnTest(t *testing.T, numNodes int, f func(c *Comms)) {
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, numNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	SpawnComms(loop, simulator.RandomNetwork{}, nodes, f)
	require.NoError(t, loop.Run())
}

func TestCommsNonOvertaking(t *testing.T) {
	const count = 50
	var received []int
	spawnTest(t, 2, func(c *Comms) {
		if c.Index() == 0 {
			for i := 0; i < count; i++ {
				require.NoError(t, c.Send(1, 7, HostBuffer[int]{i}))
			}
			return
		}
		for i := 0; i < count; i++ {
			buf := make(HostBuffer[int], 1)
			require.NoError(t, c.Recv(0, 7, buf))
			received = append(received, buf[0])
		}
	})
	require.Len(t, received, count)
	for i, x := range received {
		assert.Equal(t, i, x)
	}
}

func TestCommsTagsAreSeparate(t *testing.T) {
	var first, second HostBuffer[float64]
	spawnTest(t, 2, func(c *Comms) {
		if c.Index() == 0 {
			require.NoError(t, c.Send(1, 1, HostBuffer[float64]{1, 1}))
			require.NoError(t, c.Send(1, 2, HostBuffer[float64]{2, 2}))
			return
		}
		first = make(HostBuffer[float64], 2)
		second = make(HostBuffer[float64], 2)
		// Post in the opposite order of the sends.
		r2, err := c.Irecv(0, 2, second)
		require.NoError(t, err)
		r1, err := c.Irecv(0, 1, first)
		require.NoError(t, err)
		require.NoError(t, c.WaitAll([]*Request{r1, r2}))
	})
	assert.Equal(t, HostBuffer[float64]{1, 1}, first)
	assert.Equal(t, HostBuffer[float64]{2, 2}, second)
}

func TestCommsWaitAny(t *testing.T) {
	spawnTest(t, 4, func(c *Comms) {
		if c.Index() != 0 {
			require.NoError(t, c.Send(0, 3, HostBuffer[int32]{int32(c.Index())}))
			return
		}
		bufs := make([]HostBuffer[int32], 4)
		reqs := make([]*Request, 4)
		for src := 1; src < 4; src++ {
			bufs[src] = make(HostBuffer[int32], 1)
			req, err := c.Irecv(src, 3, bufs[src])
			require.NoError(t, err)
			reqs[src] = req
		}
		seen := map[int]bool{}
		for {
			idx, err := c.WaitAny(reqs)
			require.NoError(t, err)
			if idx == -1 {
				break
			}
			assert.Equal(t, int32(idx), bufs[idx][0])
			seen[idx] = true
		}
		assert.Len(t, seen, 3)
	})
}

func TestCommsUnexpectedMessages(t *testing.T) {
	spawnTest(t, 3, func(c *Comms) {
		if c.Index() != 2 {
			require.NoError(t, c.Send(2, 9, HostBuffer[uint8]{uint8(c.Index() + 40)}))
			return
		}
		// Whichever message arrives first while waiting on
		// rank 1 is queued until its receive is posted.
		buf1 := make(HostBuffer[uint8], 1)
		require.NoError(t, c.Recv(1, 9, buf1))
		buf0 := make(HostBuffer[uint8], 1)
		req, err := c.Irecv(0, 9, buf0)
		require.NoError(t, err)
		require.NoError(t, c.Wait(req))
		assert.Equal(t, 1, req.Count())
		assert.Equal(t, uint8(40), buf0[0])
		assert.Equal(t, uint8(41), buf1[0])
	})
}

type fakeDeviceBuffer struct {
	HostBuffer[float64]
}

func (fakeDeviceBuffer) OnDevice() bool {
	return true
}

func TestCommsErrors(t *testing.T) {
	spawnTest(t, 2, func(c *Comms) {
		if c.Index() == 0 {
			_, err := c.Isend(1, 0, fakeDeviceBuffer{HostBuffer[float64]{1}})
			assert.True(t, errors.Is(err, ErrNotAddressable))
			_, err = c.Isend(5, 0, HostBuffer[float64]{1})
			assert.True(t, errors.Is(err, ErrRank))

			require.NoError(t, c.Send(1, 0, HostBuffer[float64]{1, 2, 3}))
			require.NoError(t, c.Send(1, 1, HostBuffer[float64]{1}))
			return
		}
		err := c.Recv(0, 0, make(HostBuffer[float64], 2))
		assert.True(t, errors.Is(err, ErrTruncate))
		err = c.Recv(0, 1, make(HostBuffer[int], 1))
		assert.True(t, errors.Is(err, ErrType))
	})
}

func TestCommsDeviceAware(t *testing.T) {
	spawnTest(t, 2, func(c *Comms) {
		c.DeviceAware = true
		if c.Index() == 0 {
			require.NoError(t, c.Send(1, 0, fakeDeviceBuffer{HostBuffer[float64]{4, 5}}))
			return
		}
		buf := fakeDeviceBuffer{make(HostBuffer[float64], 2)}
		require.NoError(t, c.Recv(0, 0, buf))
		assert.Equal(t, HostBuffer[float64]{4, 5}, buf.HostBuffer)
	})
}
