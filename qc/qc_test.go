package qc

import (
	"reflect"
	"testing"

	"github.com/scbio/spikenorm/expr"
)

// qcMatrix builds 3 endogenous features and 1 spike-in over the given
// per-cell endogenous triples and spike counts.
func qcMatrix(t *testing.T, endo [][3]float64, spike []float64) *expr.Matrix {
	t.Helper()

	nc := len(endo)
	cellIDs := make([]string, nc)
	for j := range cellIDs {
		cellIDs[j] = string(rune('A' + j))
	}

	counts := make([]float64, 0, 4*nc)
	for row := 0; row < 3; row++ {
		for j := 0; j < nc; j++ {
			counts = append(counts, endo[j][row])
		}
	}
	counts = append(counts, spike...)

	m, err := expr.NewMatrix(
		[]string{"Gm1", "Gm2", "Gm3", "SPIKE_1"},
		cellIDs,
		counts,
		[]bool{false, false, false, true},
	)
	if err != nil {
		t.Fatal(err)
	}

	return m
}

func TestFilterFlagsDegenerateCell(t *testing.T) {
	// Four healthy cells and one with a collapsed library, inflated
	// spike-in fraction, and few detected features.
	m := qcMatrix(t,
		[][3]float64{
			{100, 100, 100},
			{100, 100, 100},
			{100, 100, 100},
			{100, 100, 100},
			{1, 0, 0},
		},
		[]float64{10, 10, 10, 10, 10},
	)
	groups := []string{"ESC", "ESC", "ESC", "ESC", "ESC"}

	res, err := Filter(m, groups, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := res.Keep, []bool{true, true, true, true, false}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Keep: got %v, want %v", got, want)
	}

	for _, flag := range []string{FlagLowLibrarySize, FlagLowDetectedFeatures, FlagHighSpikePercent} {
		if got := res.FlagCounts[flag]; got != 1 {
			t.Fatalf("FlagCounts[%s]: got %d, want 1", flag, got)
		}
	}

	if got, want := res.Flags.Reasons("E"), "HighSpikePercent|LowDetectedFeatures|LowLibrarySize"; got != want {
		t.Fatalf("Reasons(E): got %q, want %q", got, want)
	}
	if got := res.Flags.Reasons("A"); got != "" {
		t.Fatalf("Reasons(A): got %q, want empty", got)
	}
}

func TestFilterDropsControlGroupUnconditionally(t *testing.T) {
	// The control cell is metrically identical to the healthy cells; it
	// must still be dropped.
	m := qcMatrix(t,
		[][3]float64{
			{100, 100, 100},
			{100, 100, 100},
			{100, 100, 100},
			{100, 100, 100},
		},
		[]float64{10, 10, 10, 10},
	)
	groups := []string{"ESC", "ESC", "ESC", "Neg"}

	res, err := Filter(m, groups, Options{DropGroups: []string{"Neg"}})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := res.Keep, []bool{true, true, true, false}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Keep: got %v, want %v", got, want)
	}
	if got, want := res.Flags.Reasons("D"), FlagControlGroup; got != want {
		t.Fatalf("Reasons(D): got %q, want %q", got, want)
	}
}

func TestFilterSkipsTinyGroups(t *testing.T) {
	// Two cells in the group, one wildly different: below MinGroupSize,
	// so no outlier detection and both kept.
	m := qcMatrix(t,
		[][3]float64{
			{100, 100, 100},
			{1, 0, 0},
		},
		[]float64{10, 10},
	)
	groups := []string{"ESC", "ESC"}

	res, err := Filter(m, groups, Options{MinGroupSize: 3})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := res.Keep, []bool{true, true}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Keep: got %v, want %v", got, want)
	}
}

func TestFilterIsDeterministic(t *testing.T) {
	m := qcMatrix(t,
		[][3]float64{
			{100, 90, 110},
			{95, 105, 100},
			{110, 100, 95},
			{2, 1, 0},
			{100, 100, 100},
			{100, 100, 100},
		},
		[]float64{10, 12, 9, 11, 10, 10},
	)
	groups := []string{"ESC", "ESC", "ESC", "ESC", "Neg", "Neg"}
	opt := Options{DropGroups: []string{"Neg"}}

	first, err := Filter(m, groups, opt)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		again, err := Filter(m, groups, opt)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first.Keep, again.Keep) {
			t.Fatalf("Run %d: mask %v differs from first run %v", i, again.Keep, first.Keep)
		}
	}
}

func TestFilterGroupCardinality(t *testing.T) {
	m := qcMatrix(t, [][3]float64{{1, 1, 1}}, []float64{1})

	if _, err := Filter(m, []string{"a", "b"}, Options{}); err == nil {
		t.Fatal("Expected a cardinality error")
	}
}

func TestMADOutliers(t *testing.T) {
	values := []float64{10, 11, 12, 13, 14, 100}
	cells := []int{0, 1, 2, 3, 4, 5}

	up, err := madOutliers(values, cells, 3, linearScale, upperTail)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := up, []int{5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Upper-tail outliers: got %v, want %v", got, want)
	}

	down, err := madOutliers(values, cells, 3, linearScale, lowerTail)
	if err != nil {
		t.Fatal(err)
	}
	if down != nil {
		t.Fatalf("Lower-tail outliers: got %v, want none", down)
	}
}
