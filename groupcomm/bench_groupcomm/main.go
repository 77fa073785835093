// Command bench_groupcomm times a broadcast followed by a
// reduce over a chain of partitions, with and without
// device-aware transport.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/janpfeifer/must"
	"github.com/pelletier/go-toml/v2"
	"github.com/unixpickle/groupcomm/collcomm"
	"github.com/unixpickle/groupcomm/device"
	"github.com/unixpickle/groupcomm/groupcomm"
	"github.com/unixpickle/groupcomm/simulator"
	"github.com/unixpickle/groupcomm/topology"
	"k8s.io/klog/v2"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes int     `toml:"nodes"`
	Latency  float64 `toml:"latency"`
	Rate     float64 `toml:"rate"`
}

// BenchConfig is the layout of the -config file.
type BenchConfig struct {
	Runs      []RunInfo `toml:"runs"`
	Sizes     []int     `toml:"sizes"`
	StageRate float64   `toml:"stage_rate"`
}

var defaultConfig = BenchConfig{
	Runs: []RunInfo{
		{NumNodes: 2, Latency: 0.1, Rate: 1e6},
		{NumNodes: 16, Latency: 1e-3, Rate: 1e6},
		{NumNodes: 32, Latency: 0.1, Rate: 1e9},
		{NumNodes: 32, Latency: 1e-4, Rate: 1e9},
	},
	Sizes:     []int{10, 10000, 100000},
	StageRate: 1e10,
}

// Run creates a network and drops each partition into its
// own Goroutine.
func (r *RunInfo) Run(loop *simulator.EventLoop, deviceAware bool, commFn func(c *collcomm.Comms)) {
	nodes := make([]*simulator.Node, r.NumNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	switcher := simulator.NewGreedyDropSwitcher(r.NumNodes, r.Rate)
	network := simulator.NewSwitcherNetwork(switcher, nodes, r.Latency)
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		c.DeviceAware = deviceAware
		commFn(c)
	})
	loop.MustRun()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "TOML file overriding the runs and sizes")
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg := defaultConfig
	if configPath != "" {
		cfg = loadConfig(configPath)
	}

	// Markdown table header.
	fmt.Println("| Nodes | Latency | NIC rate | Size | Direct | Staged |")
	fmt.Println("|:--|:--|:--|:--|:--|:--|")

	// Markdown table body.
	for _, runInfo := range cfg.Runs {
		for _, size := range cfg.Sizes {
			fmt.Printf(
				"| %d | %s | %s | %d ",
				runInfo.NumNodes,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				size,
			)
			for _, deviceAware := range []bool{true, false} {
				loop := simulator.NewEventLoop()
				runInfo.Run(loop, deviceAware, func(c *collcomm.Comms) {
					exchange(c, deviceAware, cfg.StageRate, size)
				})
				fmt.Printf("| %f ", loop.Time())
			}
			fmt.Println("|")
		}
	}
}

func loadConfig(path string) BenchConfig {
	f := must.M1(os.Open(path))
	defer f.Close()
	var cfg BenchConfig
	must.M(toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg))
	klog.V(1).Infof("loaded %d runs and %d sizes from %s", len(cfg.Runs), len(cfg.Sizes), path)
	return cfg
}

// exchange runs one broadcast and one reduce on a chain
// partition whose interfaces hold size values each.
func exchange(c *collcomm.Comms, deviceAware bool, stageRate float64, size int) {
	var groups []topology.SharedGroup
	for i := 0; i+1 < c.Size(); i++ {
		groups = append(groups, topology.SharedGroup{Key: int64(i), Master: i, Ranks: []int{i, i + 1}})
	}
	topo := must.M1(topology.New(c.Index(), groups))
	ldof, ltdof := topology.Contiguous(topo, func(key int64) int { return size })
	tables := must.M1(topology.NewTables(topo, ldof, ltdof))

	dev := device.New(0)
	defer dev.Close()
	d := must.M1(groupcomm.NewSum[float64](groupcomm.Config{
		Comms:       c,
		Device:      dev,
		DeviceAware: deviceAware,
		StageRate:   stageRate,
	}, topo, tables))
	defer func() { must.M(d.Close()) }()

	data := must.M1(device.Alloc[float64](dev, len(tables.LDof.Data)))
	defer data.Free()
	must.M(d.Bcast(data, topology.SlaveLayout))
	must.M(d.Reduce(data, topology.SlaveLayout, nil))
}
