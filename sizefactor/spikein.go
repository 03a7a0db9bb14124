// Package sizefactor estimates per-cell scaling factors for count
// normalization. Two estimators are provided: SpikeIn, which assumes every
// cell received the same quantity of synthetic spike-in transcripts, and
// Deconvolve, which pools endogenous counts across cells and solves for the
// per-cell factors by linear inversion.
//
// Both estimators return one strictly positive factor per cell, rescaled so
// the factors average 1 across cells.
package sizefactor

import (
	"fmt"

	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/stat"

	"github.com/scbio/spikenorm/expr"
)

// SpikeIn computes size factors from the total spike-in count of each cell.
// A cell with zero spike-in counts has no defined factor and is an error;
// such cells must be excluded during QC.
func SpikeIn(m *expr.Matrix) ([]float64, error) {
	if m.NumSpikes() == 0 {
		return nil, pfx.Err(fmt.Errorf("Matrix has no spike-in features"))
	}

	sums := m.SpikeSums()
	for j, s := range sums {
		if s <= 0 {
			return nil, pfx.Err(fmt.Errorf("Cell %s has no spike-in counts; its size factor is undefined", m.CellIDs[j]))
		}
	}

	return centerToUnitMean(sums), nil
}

// centerToUnitMean divides f through by its arithmetic mean so the returned
// factors average 1. The input is not modified.
func centerToUnitMean(f []float64) []float64 {
	mean := stat.Mean(f, nil)

	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = v / mean
	}

	return out
}
