// Package qc flags low-quality cells in a count matrix. Cells are compared
// against the other cells in their annotated group so that genuine
// between-group biology is not mistaken for poor quality.
package qc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/carbocation/pfx"

	"github.com/scbio/spikenorm/expr"
)

// Flag reasons attached to failing cells.
const (
	FlagLowLibrarySize      = "LowLibrarySize"
	FlagLowDetectedFeatures = "LowDetectedFeatures"
	FlagHighSpikePercent    = "HighSpikePercent"
	FlagControlGroup        = "ControlGroup"
)

// Metrics holds the three per-cell quality summaries.
type Metrics struct {
	LibrarySize      []float64
	DetectedFeatures []float64
	SpikePercent     []float64
}

// ComputeMetrics derives the QC metrics from a count matrix.
func ComputeMetrics(m *expr.Matrix) Metrics {
	return Metrics{
		LibrarySize:      m.LibrarySizes(),
		DetectedFeatures: m.DetectedFeatures(),
		SpikePercent:     m.SpikePercent(),
	}
}

// Options configures the filter.
type Options struct {
	// NMADs is the number of median absolute deviations beyond which a
	// metric is an outlier. Zero means the default of 3.
	NMADs float64

	// MinGroupSize is the smallest group for which outlier detection is
	// attempted; smaller groups skip it entirely rather than estimate a
	// MAD from too few cells. Zero means the default of 3.
	MinGroupSize int

	// DropGroups lists group labels whose cells are always removed,
	// regardless of their metric values (negative-control wells).
	DropGroups []string
}

// Result is the outcome of a filtering pass. The mask and flags are
// deterministic for fixed input.
type Result struct {
	Metrics Metrics

	// Keep has one entry per cell; false means the cell is removed.
	Keep []bool

	// Flags records why each flagged cell failed, keyed by cell ID.
	Flags CellFlags

	// FlagCounts tallies the number of cells carrying each flag.
	FlagCounts map[string]int
}

// NumDropped returns the number of cells the mask removes.
func (r *Result) NumDropped() int {
	n := 0
	for _, k := range r.Keep {
		if !k {
			n++
		}
	}

	return n
}

// Filter computes QC metrics for every cell and builds a keep/drop mask. A
// cell is dropped if any metric is an outlier within its group (library size
// and detected features: low outliers on a log2 scale; spike-in percentage:
// high outliers on a linear scale), or if its group is listed in DropGroups.
func Filter(m *expr.Matrix, groups []string, opt Options) (*Result, error) {
	if len(groups) != m.NumCells() {
		return nil, pfx.Err(fmt.Errorf("Expected %d group labels, got %d", m.NumCells(), len(groups)))
	}

	if opt.NMADs == 0 {
		opt.NMADs = 3
	}
	if opt.MinGroupSize == 0 {
		opt.MinGroupSize = 3
	}

	res := &Result{
		Metrics:    ComputeMetrics(m),
		Keep:       make([]bool, m.NumCells()),
		Flags:      CellFlags{},
		FlagCounts: make(map[string]int),
	}

	byGroup := make(map[string][]int)
	for j, g := range groups {
		byGroup[g] = append(byGroup[g], j)
	}

	// Deterministic iteration order over groups.
	groupNames := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)

	drop := make(map[string]struct{})
	for _, g := range opt.DropGroups {
		drop[g] = struct{}{}
	}

	for _, g := range groupNames {
		cells := byGroup[g]

		if _, controlled := drop[g]; controlled {
			for _, j := range cells {
				res.Flags.AddFlag(m.CellIDs[j], FlagControlGroup)
			}
			// Control wells are dropped unconditionally; no point
			// also estimating outliers from them.
			continue
		}

		if len(cells) < opt.MinGroupSize {
			// Too few cells for a usable MAD estimate; skip outlier
			// detection for this group.
			continue
		}

		for _, pass := range []struct {
			flag   string
			values []float64
			scale  metricScale
			tail   tail
		}{
			{FlagLowLibrarySize, res.Metrics.LibrarySize, logScale, lowerTail},
			{FlagLowDetectedFeatures, res.Metrics.DetectedFeatures, logScale, lowerTail},
			{FlagHighSpikePercent, res.Metrics.SpikePercent, linearScale, upperTail},
		} {
			outliers, err := madOutliers(pass.values, cells, opt.NMADs, pass.scale, pass.tail)
			if err != nil {
				return nil, pfx.Err(fmt.Errorf("Group %s, flag %s: %v", g, pass.flag, err))
			}

			for _, j := range outliers {
				res.Flags.AddFlag(m.CellIDs[j], pass.flag)
			}
		}
	}

	for j := range res.Keep {
		flags := res.Flags[m.CellIDs[j]]
		res.Keep[j] = len(flags) == 0
	}

	for _, flags := range res.Flags {
		for f := range flags {
			res.FlagCounts[f]++
		}
	}

	return res, nil
}

// CellFlags maps a cell ID to the set of QC flags it carries.
type CellFlags map[string]flagSet

func (s CellFlags) AddFlag(cell, flag string) {
	fs, exists := s[cell]
	if !exists {
		fs = make(flagSet)
	}
	fs[flag] = struct{}{}
	s[cell] = fs
}

// Reasons returns the flags for a cell, pipe-joined and sorted, or "" for an
// unflagged cell.
func (s CellFlags) Reasons(cell string) string {
	return s[cell].String()
}

type flagSet map[string]struct{}

func (fs flagSet) String() string {
	if len(fs) == 0 {
		return ""
	}

	sb := make([]string, 0, len(fs))
	for v := range fs {
		sb = append(sb, v)
	}

	sort.Strings(sb)

	return strings.Join(sb, "|")
}
