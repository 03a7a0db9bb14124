// Package expr holds the typed expression count matrix and its per-cell
// annotations. Features (genes and spike-in transcripts) are rows; cells are
// columns. Raw counts are immutable once parsed.
package expr

import (
	"fmt"

	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/mat"
)

// Matrix is a features x cells count matrix with feature identifiers and a
// fixed spike-in row subset.
type Matrix struct {
	FeatureIDs []string
	CellIDs    []string

	counts    *mat.Dense
	isSpike   []bool
	spikeRows []int
}

// NewMatrix constructs a Matrix from row-major count data. isSpike marks the
// rows holding spike-in transcripts; it is fixed for the life of the Matrix.
func NewMatrix(featureIDs, cellIDs []string, counts []float64, isSpike []bool) (*Matrix, error) {
	nf, nc := len(featureIDs), len(cellIDs)

	if nf == 0 || nc == 0 {
		return nil, pfx.Err(fmt.Errorf("Matrix must have at least one feature and one cell, got %d x %d", nf, nc))
	}
	if len(counts) != nf*nc {
		return nil, pfx.Err(fmt.Errorf("Expected %d counts for %d features x %d cells, got %d", nf*nc, nf, nc, len(counts)))
	}
	if len(isSpike) != nf {
		return nil, pfx.Err(fmt.Errorf("Expected %d spike-in flags for %d features, got %d", nf, nf, len(isSpike)))
	}

	for _, v := range counts {
		if v < 0 {
			return nil, pfx.Err(fmt.Errorf("Counts must be non-negative, saw %f", v))
		}
	}

	m := &Matrix{
		FeatureIDs: featureIDs,
		CellIDs:    cellIDs,
		counts:     mat.NewDense(nf, nc, counts),
		isSpike:    isSpike,
	}

	for i, spike := range isSpike {
		if spike {
			m.spikeRows = append(m.spikeRows, i)
		}
	}

	return m, nil
}

func (m *Matrix) NumFeatures() int { return len(m.FeatureIDs) }
func (m *Matrix) NumCells() int    { return len(m.CellIDs) }

// Count returns the raw count for feature i in cell j.
func (m *Matrix) Count(i, j int) float64 { return m.counts.At(i, j) }

// IsSpike reports whether feature row i is a spike-in transcript.
func (m *Matrix) IsSpike(i int) bool { return m.isSpike[i] }

// SpikeRows returns the row indices of the spike-in features.
func (m *Matrix) SpikeRows() []int { return m.spikeRows }

// NumSpikes returns the number of spike-in feature rows.
func (m *Matrix) NumSpikes() int { return len(m.spikeRows) }

// LibrarySizes returns the total count in each cell across all features.
func (m *Matrix) LibrarySizes() []float64 {
	out := make([]float64, m.NumCells())
	for j := range out {
		var sum float64
		for i := 0; i < m.NumFeatures(); i++ {
			sum += m.counts.At(i, j)
		}
		out[j] = sum
	}

	return out
}

// DetectedFeatures returns, for each cell, the number of features with a
// nonzero count.
func (m *Matrix) DetectedFeatures() []float64 {
	out := make([]float64, m.NumCells())
	for j := range out {
		var n float64
		for i := 0; i < m.NumFeatures(); i++ {
			if m.counts.At(i, j) > 0 {
				n++
			}
		}
		out[j] = n
	}

	return out
}

// SpikeSums returns the total spike-in count in each cell.
func (m *Matrix) SpikeSums() []float64 {
	out := make([]float64, m.NumCells())
	for j := range out {
		var sum float64
		for _, i := range m.spikeRows {
			sum += m.counts.At(i, j)
		}
		out[j] = sum
	}

	return out
}

// EndogenousSums returns the total non-spike-in count in each cell.
func (m *Matrix) EndogenousSums() []float64 {
	out := make([]float64, m.NumCells())
	for j := range out {
		var sum float64
		for i := 0; i < m.NumFeatures(); i++ {
			if m.isSpike[i] {
				continue
			}
			sum += m.counts.At(i, j)
		}
		out[j] = sum
	}

	return out
}

// SpikePercent returns, for each cell, the percentage of its total counts that
// come from spike-in transcripts. Cells with zero total count get 0.
func (m *Matrix) SpikePercent() []float64 {
	lib := m.LibrarySizes()
	spike := m.SpikeSums()

	out := make([]float64, m.NumCells())
	for j := range out {
		if lib[j] > 0 {
			out[j] = 100 * spike[j] / lib[j]
		}
	}

	return out
}

// SubsetCells returns a new Matrix holding only the cells for which keep is
// true. Feature rows and the spike-in subset are unchanged.
func (m *Matrix) SubsetCells(keep []bool) (*Matrix, error) {
	if len(keep) != m.NumCells() {
		return nil, pfx.Err(fmt.Errorf("Keep mask has %d entries but the matrix has %d cells", len(keep), m.NumCells()))
	}

	var cols []int
	for j, k := range keep {
		if k {
			cols = append(cols, j)
		}
	}

	cellIDs := make([]string, 0, len(cols))
	counts := make([]float64, 0, m.NumFeatures()*len(cols))

	for i := 0; i < m.NumFeatures(); i++ {
		for _, j := range cols {
			counts = append(counts, m.counts.At(i, j))
		}
	}
	for _, j := range cols {
		cellIDs = append(cellIDs, m.CellIDs[j])
	}

	isSpike := make([]bool, len(m.isSpike))
	copy(isSpike, m.isSpike)

	return NewMatrix(m.FeatureIDs, cellIDs, counts, isSpike)
}
