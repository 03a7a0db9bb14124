package expr

import (
	"fmt"
	"math"

	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/mat"
)

// FactorUsage declares what a set of size factors may normalize.
type FactorUsage int

const (
	// SpikeInOnly factors were derived from spike-in transcripts and are
	// restricted to normalizing the spike-in rows themselves.
	SpikeInOnly FactorUsage = iota

	// GeneralPurpose factors may normalize the whole matrix, endogenous
	// genes included.
	GeneralPurpose
)

func (u FactorUsage) String() string {
	switch u {
	case SpikeInOnly:
		return "SpikeInOnly"
	case GeneralPurpose:
		return "GeneralPurpose"
	}

	return fmt.Sprintf("FactorUsage(%d)", int(u))
}

// Dataset couples a count matrix with per-cell annotations: a group label per
// cell, optional size factors, and an optional log-normalized expression
// layer. All per-cell slices stay in lock-step with the matrix's cell
// dimension; every mutating operation re-verifies that invariant.
type Dataset struct {
	Matrix *Matrix
	Groups []string

	sizeFactors []float64
	usage       FactorUsage
	logCounts   *mat.Dense
	pseudocount float64
}

// NewDataset couples a matrix with one group label per cell.
func NewDataset(m *Matrix, groups []string) (*Dataset, error) {
	d := &Dataset{Matrix: m, Groups: groups}

	if err := d.check(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Dataset) check() error {
	if got, want := len(d.Groups), d.Matrix.NumCells(); got != want {
		return pfx.Err(fmt.Errorf("Cardinality violation: %d group labels for %d cells", got, want))
	}
	if d.sizeFactors != nil {
		if got, want := len(d.sizeFactors), d.Matrix.NumCells(); got != want {
			return pfx.Err(fmt.Errorf("Cardinality violation: %d size factors for %d cells", got, want))
		}
	}

	return nil
}

// SetSizeFactors attaches one strictly positive size factor per cell, tagged
// with its permitted usage.
func (d *Dataset) SetSizeFactors(factors []float64, usage FactorUsage) error {
	if got, want := len(factors), d.Matrix.NumCells(); got != want {
		return pfx.Err(fmt.Errorf("Expected %d size factors, got %d", want, got))
	}

	for j, f := range factors {
		if !(f > 0) || math.IsInf(f, 1) || math.IsNaN(f) {
			return pfx.Err(fmt.Errorf("Size factor for cell %s is %f; factors must be positive and finite", d.Matrix.CellIDs[j], f))
		}
	}

	d.sizeFactors = factors
	d.usage = usage

	return d.check()
}

// SizeFactors returns the attached size factors, or nil if none are set.
func (d *Dataset) SizeFactors() []float64 { return d.sizeFactors }

// FactorUsage returns the usage tag of the attached size factors.
func (d *Dataset) FactorUsage() FactorUsage { return d.usage }

// LogNormalize computes log2(count/sizeFactor + pseudocount) for every entry
// and stores it as a separate layer; raw counts remain retrievable through
// the Matrix. The attached factors must be GeneralPurpose. Calling
// LogNormalize on an already-normalized dataset is an error rather than a
// silent renormalization.
func (d *Dataset) LogNormalize(pseudocount float64) error {
	if d.logCounts != nil {
		return pfx.Err(fmt.Errorf("Dataset is already log-normalized"))
	}
	if d.sizeFactors == nil {
		return pfx.Err(fmt.Errorf("No size factors attached"))
	}
	if d.usage != GeneralPurpose {
		return pfx.Err(fmt.Errorf("Attached size factors are %s; only GeneralPurpose factors may normalize the full matrix", d.usage))
	}
	if !(pseudocount > 0) {
		return pfx.Err(fmt.Errorf("Pseudocount must be positive, got %f", pseudocount))
	}

	nf, nc := d.Matrix.NumFeatures(), d.Matrix.NumCells()
	norm := mat.NewDense(nf, nc, nil)

	for i := 0; i < nf; i++ {
		for j := 0; j < nc; j++ {
			norm.Set(i, j, math.Log2(d.Matrix.Count(i, j)/d.sizeFactors[j]+pseudocount))
		}
	}

	d.logCounts = norm
	d.pseudocount = pseudocount

	return nil
}

// HasLogCounts reports whether LogNormalize has been applied.
func (d *Dataset) HasLogCounts() bool { return d.logCounts != nil }

// LogCount returns the log-normalized value for feature i in cell j. It
// panics if LogNormalize has not been called, mirroring mat.Dense bounds
// behavior.
func (d *Dataset) LogCount(i, j int) float64 { return d.logCounts.At(i, j) }

// SubsetCells returns a new Dataset restricted to the cells for which keep is
// true. Size factors and log-normalized values do not survive subsetting;
// they are recomputed on the surviving cells so that factor centering remains
// valid.
func (d *Dataset) SubsetCells(keep []bool) (*Dataset, error) {
	m, err := d.Matrix.SubsetCells(keep)
	if err != nil {
		return nil, err
	}

	var groups []string
	for j, k := range keep {
		if k {
			groups = append(groups, d.Groups[j])
		}
	}

	return NewDataset(m, groups)
}
