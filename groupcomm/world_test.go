package groupcomm

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/unixpickle/groupcomm/collcomm"
	"github.com/unixpickle/groupcomm/device"
	"github.com/unixpickle/groupcomm/simulator"
	"github.com/unixpickle/groupcomm/topology"
)

// A testWorld runs one Goroutine per rank on a simulated
// network, each with its own device.
type testWorld struct {
	NumRanks int
	Groups   []topology.SharedGroup

	// Size gives the number of degrees of freedom of a
	// group by key. Group 0 has key -1.
	Size func(key int64) int

	// RankSize, if set, replaces Size and lets ranks
	// disagree about a group.
	RankSize func(rank int, key int64) int

	Switched    bool
	DeviceAware bool
	StageRate   float64
	Capacity    int64
	Seed        int64
}

type testRank struct {
	Comms  *collcomm.Comms
	Device *device.Device
	Topo   *topology.GroupTopology
	Tables *topology.Tables

	NumLocal int
	NumTrue  int

	cfg Config
}

// forEachMode runs f for both transport modes over both
// kinds of network.
func forEachMode(t *testing.T, f func(t *testing.T, w testWorld)) {
	for _, switched := range []bool{false, true} {
		for _, aware := range []bool{true, false} {
			w := testWorld{Switched: switched, DeviceAware: aware, Seed: 1}
			name := fmt.Sprintf("Switched=%v,Mode=%s", switched, w.mode())
			t.Run(name, func(t *testing.T) {
				f(t, w)
			})
		}
	}
}

func (w testWorld) mode() string {
	return (&Config{DeviceAware: w.DeviceAware}).Mode()
}

// Run calls f on every rank and returns the final virtual
// time.
func (w testWorld) Run(t *testing.T, f func(r *testRank)) float64 {
	size := w.Size
	if size == nil {
		size = func(key int64) int { return 2 }
	}

	loop := simulator.NewEventLoopSeed(w.Seed)
	nodes := make([]*simulator.Node, w.NumRanks)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	var network simulator.Network = simulator.RandomNetwork{}
	if w.Switched {
		switcher := simulator.NewGreedyDropSwitcher(len(nodes), 1e4)
		network = simulator.NewSwitcherNetwork(switcher, nodes, 0.1)
	}

	ranks := make([]*testRank, w.NumRanks)
	for i := range ranks {
		topo, err := topology.New(i, w.Groups)
		require.NoError(t, err)
		rankSize := size
		if w.RankSize != nil {
			rank := i
			rankSize = func(key int64) int { return w.RankSize(rank, key) }
		}
		ldof, ltdof := topology.Contiguous(topo, rankSize)
		tables, err := topology.NewTables(topo, ldof, ltdof)
		require.NoError(t, err)
		dev := device.New(w.Capacity)
		t.Cleanup(dev.Close)
		ranks[i] = &testRank{
			Device:   dev,
			Topo:     topo,
			Tables:   tables,
			NumLocal: countIndices(ldof),
			NumTrue:  countIndices(ltdof),
		}
	}

	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		c.DeviceAware = w.DeviceAware
		r := ranks[c.Index()]
		r.Comms = c
		r.cfg = Config{
			Comms:       c,
			Device:      r.Device,
			DeviceAware: w.DeviceAware,
			StageRate:   w.StageRate,
		}
		f(r)
	})
	require.NoError(t, loop.Run())
	return loop.Time()
}

func (r *testRank) Descriptor(t *testing.T) *Descriptor[float64] {
	d, err := NewSum[float64](r.cfg, r.Topo, r.Tables)
	require.NoError(t, err)
	return d
}

func (r *testRank) Rank() int {
	return r.Comms.Index()
}

// Upload copies a host array onto the rank's device.
func (r *testRank) Upload(t *testing.T, data []float64) *device.Buffer[float64] {
	buf, err := device.Upload(r.Device, data)
	require.NoError(t, err)
	return buf
}

// SlaveData fills a slave-layout array using value, which
// receives the rank, group key and position in the group.
func (r *testRank) SlaveData(value func(rank int, key int64, j int) float64) []float64 {
	res := make([]float64, r.NumLocal)
	for g := 0; g < r.Topo.GroupCount(); g++ {
		for j, idx := range r.Tables.GroupIndices(topology.SlaveLayout, g) {
			res[idx] = value(r.Rank(), r.Topo.GroupKey(g), j)
		}
	}
	return res
}

func countIndices(rows [][]int) int {
	var n int
	for _, row := range rows {
		n += len(row)
	}
	return n
}

// starGroups has rank 0 own one group shared with every
// other rank.
func starGroups(numRanks int) []topology.SharedGroup {
	ranks := make([]int, numRanks)
	for i := range ranks {
		ranks[i] = i
	}
	return []topology.SharedGroup{{Key: 1, Master: 0, Ranks: ranks}}
}

// lineGroups chains ranks so that each consecutive pair
// shares one group, owned by the lower rank.
func lineGroups(numRanks int) []topology.SharedGroup {
	var res []topology.SharedGroup
	for i := 0; i+1 < numRanks; i++ {
		res = append(res, topology.SharedGroup{Key: int64(i), Master: i, Ranks: []int{i, i + 1}})
	}
	return res
}

func randomGroups(rng *rand.Rand, numRanks, numGroups int) []topology.SharedGroup {
	var res []topology.SharedGroup
	for k := 0; k < numGroups; k++ {
		n := 2 + rng.Intn(numRanks-1)
		ranks := rng.Perm(numRanks)[:n]
		res = append(res, topology.SharedGroup{
			Key:    int64(k*7 + 3),
			Master: ranks[rng.Intn(n)],
			Ranks:  ranks,
		})
	}
	return res
}

func randomSize(key int64) int {
	if key < 0 {
		return 2
	}
	return int(key % 4)
}

func testValue(rank int, key int64, j int) float64 {
	return float64(rank*1000 + int(key)*10 + j)
}
