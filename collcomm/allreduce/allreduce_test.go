package allreduce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/groupcomm/collcomm"
	"github.com/unixpickle/groupcomm/simulator"
)

func TestNaiveAllreducer(t *testing.T) {
	RunAllreducerTests(t, NaiveAllreducer[float64]{})
}

func TestTreeAllreducer(t *testing.T) {
	RunAllreducerTests(t, TreeAllreducer[float64]{})
}

func TestPositionInTree(t *testing.T) {
	parent, children := positionInTree(0, 6)
	assert.Equal(t, -1, parent)
	assert.Equal(t, []int{1, 2}, children)

	parent, children = positionInTree(2, 6)
	assert.Equal(t, 0, parent)
	assert.Equal(t, []int{5}, children)

	parent, children = positionInTree(4, 6)
	assert.Equal(t, 1, parent)
	assert.Empty(t, children)
}

func TestAllreduceMaxRepeated(t *testing.T) {
	reducers := []Allreducer[int64]{NaiveAllreducer[int64]{}, TreeAllreducer[int64]{}}
	for _, reducer := range reducers {
		loop := simulator.NewEventLoop()
		nodes := make([]*simulator.Node, 7)
		for i := range nodes {
			nodes[i] = simulator.NewNode()
		}
		results := make([][]int64, len(nodes))
		collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
			// Back-to-back calls must not mix up rounds.
			for round := int64(0); round < 3; round++ {
				res, err := reducer.Allreduce(c, []int64{int64(c.Index()) + round*10, -round},
					collcomm.Max[int64]{})
				require.NoError(t, err)
				results[c.Index()] = append(results[c.Index()], res...)
			}
		})
		require.NoError(t, loop.Run())
		for _, res := range results {
			assert.Equal(t, []int64{6, 0, 16, -1, 26, -2}, res)
		}
	}
}
