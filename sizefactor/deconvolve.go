package sizefactor

import (
	"fmt"
	"math"
	"sort"

	"github.com/carbocation/pfx"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"github.com/scbio/spikenorm/expr"
)

// DeconvolveOptions configures the pooling estimator. The zero value selects
// the defaults noted on each field.
type DeconvolveOptions struct {
	// MinPoolSize is the smallest pool of cells summed together.
	// Default 3.
	MinPoolSize int

	// MaxPoolSize caps the pool size; clusters smaller than the cap use
	// pools up to their own size. Default 21.
	MaxPoolSize int
}

// directThreshold is the cluster size below which pooling degenerates and
// per-cell median ratios against the cluster average are used instead.
const directThreshold = 8

// ridgeWeight is the weight of the low-weight unit equations appended to the
// pool system to keep it full rank.
const ridgeWeight = 0.01

// Deconvolve estimates per-cell size factors from endogenous gene counts
// alone. Cells are clustered by their group label; within each cluster,
// cells are arranged on a ring ordered by library size and summed over
// sliding pools of several sizes, and the pool-level scaling against the
// cluster's average cell is deconvolved back to per-cell estimates by least
// squares. Cluster estimates are then rescaled onto a common reference via
// the median ratio of the clusters' average profiles, and the final factors
// are centered to mean 1.
//
// The construction is fully deterministic: the ring ordering and pool
// layout involve no randomness.
func Deconvolve(m *expr.Matrix, groups []string, opt DeconvolveOptions) ([]float64, error) {
	if len(groups) != m.NumCells() {
		return nil, pfx.Err(fmt.Errorf("Expected %d group labels, got %d", m.NumCells(), len(groups)))
	}

	if opt.MinPoolSize == 0 {
		opt.MinPoolSize = 3
	}
	if opt.MaxPoolSize == 0 {
		opt.MaxPoolSize = 21
	}
	if opt.MinPoolSize < 2 || opt.MaxPoolSize < opt.MinPoolSize {
		return nil, pfx.Err(fmt.Errorf("Invalid pool sizes: min %d, max %d", opt.MinPoolSize, opt.MaxPoolSize))
	}

	var endo []int
	for i := 0; i < m.NumFeatures(); i++ {
		if !m.IsSpike(i) {
			endo = append(endo, i)
		}
	}
	if len(endo) == 0 {
		return nil, pfx.Err(fmt.Errorf("Matrix has no endogenous features"))
	}

	libSizes := m.EndogenousSums()
	for j, l := range libSizes {
		if l <= 0 {
			return nil, pfx.Err(fmt.Errorf("Cell %s has no endogenous counts and cannot be deconvolved", m.CellIDs[j]))
		}
	}

	byGroup := make(map[string][]int)
	for j, g := range groups {
		byGroup[g] = append(byGroup[g], j)
	}

	groupNames := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)

	clusters := make(map[string]*cluster, len(groupNames))
	for _, g := range groupNames {
		c, err := solveCluster(m, endo, libSizes, byGroup[g], opt)
		if err != nil {
			return nil, pfx.Err(fmt.Errorf("Cluster %s: %v", g, err))
		}
		clusters[g] = c
	}

	// Rescale every cluster onto the largest cluster's scale so the
	// factors are comparable across groups.
	refName := groupNames[0]
	for _, g := range groupNames[1:] {
		if len(byGroup[g]) > len(byGroup[refName]) {
			refName = g
		}
	}
	ref := clusters[refName]

	out := make([]float64, m.NumCells())
	for _, g := range groupNames {
		c := clusters[g]

		scale := 1.0
		if g != refName {
			var err error
			scale, err = medianRatio(c.avgProfile, ref.avgProfile)
			if err != nil {
				return nil, pfx.Err(fmt.Errorf("Rescaling cluster %s against %s: %v", g, refName, err))
			}
		}

		for i, j := range byGroup[g] {
			out[j] = c.relFactors[i] * libSizes[j] * scale
		}
	}

	return centerToUnitMean(out), nil
}

// cluster holds the within-cluster deconvolution result: one relative factor
// per member cell and the cluster's average scaled profile.
type cluster struct {
	relFactors []float64
	avgProfile []float64
}

func solveCluster(m *expr.Matrix, endo []int, libSizes []float64, cells []int, opt DeconvolveOptions) (*cluster, error) {
	n := len(cells)

	// Library-size-scaled profile of each member cell.
	profiles := make([][]float64, n)
	for i, j := range cells {
		p := make([]float64, len(endo))
		for g, row := range endo {
			p[g] = m.Count(row, j) / libSizes[j]
		}
		profiles[i] = p
	}

	avg := make([]float64, len(endo))
	for _, p := range profiles {
		for g, v := range p {
			avg[g] += v
		}
	}
	for g := range avg {
		avg[g] /= float64(n)
	}

	c := &cluster{avgProfile: avg}

	if n < directThreshold {
		// Too few cells for pooling; fall back to the per-cell median
		// ratio against the cluster average.
		c.relFactors = make([]float64, n)
		for i, p := range profiles {
			r, err := medianRatio(p, avg)
			if err != nil {
				return nil, err
			}
			c.relFactors[i] = r
		}

		return c, nil
	}

	ring := ringOrder(cells, libSizes)

	maxPool := opt.MaxPoolSize
	if maxPool > n {
		maxPool = n
	}
	var sizes []int
	for s := opt.MinPoolSize; s <= maxPool; s += 2 {
		sizes = append(sizes, s)
	}

	nRows := len(sizes)*n + n
	a := mat.NewDense(nRows, n, nil)
	b := mat.NewDense(nRows, 1, nil)

	row := 0
	pooled := make([]float64, len(endo))
	for _, s := range sizes {
		for start := 0; start < n; start++ {
			for g := range pooled {
				pooled[g] = 0
			}

			for i := 0; i < s; i++ {
				member := ring[(start+i)%n]
				a.Set(row, member, 1)
				for g, v := range profiles[member] {
					pooled[g] += v
				}
			}

			r, err := medianRatio(pooled, avg)
			if err != nil {
				return nil, err
			}
			b.Set(row, 0, r)

			row++
		}
	}

	// Low-weight unit equations keep the system full rank.
	for i := 0; i < n; i++ {
		a.Set(row, i, ridgeWeight)
		b.Set(row, 0, ridgeWeight)
		row++
	}

	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		return nil, fmt.Errorf("Deconvolution system could not be solved: %v", err)
	}

	c.relFactors = make([]float64, n)
	for i := range c.relFactors {
		v := x.At(i, 0)
		if !(v > 0) || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("Deconvolution produced a non-positive factor (%f) for cell %s", v, m.CellIDs[cells[i]])
		}
		c.relFactors[i] = v
	}

	return c, nil
}

// ringOrder arranges the cluster's cells on a ring so that pools drawn from
// any window mix small and large libraries: cells are sorted by library size
// and laid out ascending over the even positions, then descending over the
// odd positions. Returns positions in cluster-local indices.
func ringOrder(cells []int, libSizes []float64) []int {
	n := len(cells)

	local := make([]int, n)
	for i := range local {
		local[i] = i
	}
	sort.SliceStable(local, func(a, b int) bool {
		return libSizes[cells[local[a]]] < libSizes[cells[local[b]]]
	})

	ring := make([]int, 0, n)
	for i := 0; i < n; i += 2 {
		ring = append(ring, local[i])
	}
	for i := n - 1 - (n % 2); i >= 1; i -= 2 {
		ring = append(ring, local[i])
	}

	return ring
}

// medianRatio returns the median of p[g]/ref[g] over genes where ref is
// positive. An all-zero reference or a non-positive median is an error.
func medianRatio(p, ref []float64) (float64, error) {
	ratios := make([]float64, 0, len(ref))
	for g, r := range ref {
		if r > 0 {
			ratios = append(ratios, p[g]/r)
		}
	}

	if len(ratios) == 0 {
		return 0, fmt.Errorf("No genes with positive reference expression")
	}

	med, err := stats.Median(ratios)
	if err != nil {
		return 0, err
	}
	if med <= 0 {
		return 0, fmt.Errorf("Non-positive median ratio (%f); too many zero counts for deconvolution", med)
	}

	return med, nil
}
