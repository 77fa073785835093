package simulator

// A ConnMat is a square matrix of transfer rates, where
// rows are sources and columns are destinations.
type ConnMat struct {
	numNodes int
	rates    []float64
}

// NewConnMat creates an all-zero matrix.
func NewConnMat(numNodes int) *ConnMat {
	return &ConnMat{numNodes: numNodes, rates: make([]float64, numNodes*numNodes)}
}

// NumNodes returns the matrix dimension.
func (c *ConnMat) NumNodes() int {
	return c.numNodes
}

// Get an entry in the matrix.
func (c *ConnMat) Get(src, dst int) float64 {
	return c.rates[c.offset(src, dst)]
}

// Set an entry in the matrix.
func (c *ConnMat) Set(src, dst int, value float64) {
	c.rates[c.offset(src, dst)] = value
}

// SumSource sums the rates leaving src.
func (c *ConnMat) SumSource(src int) float64 {
	var sum float64
	c.eachInRow(src, func(i int) { sum += c.rates[i] })
	return sum
}

// SumDest sums the rates entering dst.
func (c *ConnMat) SumDest(dst int) float64 {
	var sum float64
	c.eachInColumn(dst, func(i int) { sum += c.rates[i] })
	return sum
}

// ScaleSource multiplies the rates leaving src.
func (c *ConnMat) ScaleSource(src int, scale float64) {
	c.eachInRow(src, func(i int) { c.rates[i] *= scale })
}

// ScaleDest multiplies the rates entering dst.
func (c *ConnMat) ScaleDest(dst int, scale float64) {
	c.eachInColumn(dst, func(i int) { c.rates[i] *= scale })
}

func (c *ConnMat) offset(src, dst int) int {
	c.check(src)
	c.check(dst)
	return src*c.numNodes + dst
}

func (c *ConnMat) check(node int) {
	if node < 0 || node >= c.numNodes {
		panic("index out of bounds")
	}
}

func (c *ConnMat) eachInRow(src int, f func(i int)) {
	c.check(src)
	for i := src * c.numNodes; i < (src+1)*c.numNodes; i++ {
		f(i)
	}
}

func (c *ConnMat) eachInColumn(dst int, f func(i int)) {
	c.check(dst)
	for i := dst; i < len(c.rates); i += c.numNodes {
		f(i)
	}
}

// A Switcher decides how fast data flows between nodes,
// in particular under oversubscription.
type Switcher interface {
	// SwitchedRates receives a matrix with 1 wherever a
	// node wants to send to another node and 0 elsewhere,
	// and overwrites it with the resulting data rates.
	SwitchedRates(mat *ConnMat)
}

// A GreedyDropSwitcher splits each node's upload rate
// evenly across its destinations, then drops incoming
// traffic uniformly at nodes whose download rate is
// exceeded.
type GreedyDropSwitcher struct {
	SendRates []float64
	RecvRates []float64
}

// NewGreedyDropSwitcher creates a GreedyDropSwitcher with
// the same upload and download rate on every node.
func NewGreedyDropSwitcher(numNodes int, rate float64) *GreedyDropSwitcher {
	rates := make([]float64, numNodes)
	for i := range rates {
		rates[i] = rate
	}
	return &GreedyDropSwitcher{SendRates: rates, RecvRates: rates}
}

// NumNodes gets the number of nodes the switch expects.
func (g *GreedyDropSwitcher) NumNodes() int {
	return len(g.SendRates)
}

// SwitchedRates performs the switching algorithm.
func (g *GreedyDropSwitcher) SwitchedRates(mat *ConnMat) {
	if mat.NumNodes() != g.NumNodes() {
		panic("unexpected number of nodes")
	}
	for src := 0; src < g.NumNodes(); src++ {
		if n := mat.SumSource(src); n > 0 {
			mat.ScaleSource(src, g.SendRates[src]/n)
		}
	}
	for dst := 0; dst < g.NumNodes(); dst++ {
		if in := mat.SumDest(dst); in > g.RecvRates[dst] {
			mat.ScaleDest(dst, g.RecvRates[dst]/in)
		}
	}
}
