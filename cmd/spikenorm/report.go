package main

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/scbio/spikenorm/expr"
	"github.com/scbio/spikenorm/qc"
)

// CellReport is one row of the per-cell output table.
type CellReport struct {
	CellID           string  `csv:"cell_id"`
	Group            string  `csv:"group"`
	LibrarySize      float64 `csv:"library_size"`
	DetectedFeatures float64 `csv:"detected_features"`
	SpikePercent     float64 `csv:"spike_pct"`
	SpikeFactor      float64 `csv:"spike_size_factor"`
	DeconvFactor     float64 `csv:"deconvolution_size_factor"`
}

// writeReport emits one row per surviving cell with its QC metrics and both
// size-factor estimates.
func writeReport(filename string, d *expr.Dataset, spikeFactors, deconvFactors []float64) error {
	m := d.Matrix

	if len(spikeFactors) != m.NumCells() || len(deconvFactors) != m.NumCells() {
		return fmt.Errorf("Mismatched report inputs: %d cells, %d spike factors, %d deconvolution factors",
			m.NumCells(), len(spikeFactors), len(deconvFactors))
	}

	metrics := qc.ComputeMetrics(m)

	rows := make([]*CellReport, 0, m.NumCells())
	for j := 0; j < m.NumCells(); j++ {
		rows = append(rows, &CellReport{
			CellID:           m.CellIDs[j],
			Group:            d.Groups[j],
			LibrarySize:      metrics.LibrarySize[j],
			DetectedFeatures: metrics.DetectedFeatures[j],
			SpikePercent:     metrics.SpikePercent[j],
			SpikeFactor:      spikeFactors[j],
			DeconvFactor:     deconvFactors[j],
		})
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	return gocsv.MarshalFile(&rows, f)
}
