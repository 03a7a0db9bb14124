// spikenorm runs a spike-in-based normalization workflow over a single-cell
// RNA-seq count table: it downloads and caches the table, removes low-quality
// cells and negative-control wells, computes spike-in size factors,
// log-normalizes the counts, and compares the spike-in factors against
// deconvolution (pooled) factors in a scatter plot.
//
// The flag defaults target the Islam et al. mouse ESC/MEF dataset (GSE29087):
// 48 ESC cells, 44 MEF cells, and 4 negative-control wells, with spike-in
// transcript rows identified by a "SPIKE" substring.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/aybabtme/uniplot/histogram"

	"github.com/scbio/spikenorm/expr"
	"github.com/scbio/spikenorm/fetch"
	"github.com/scbio/spikenorm/qc"
	"github.com/scbio/spikenorm/sizefactor"
)

func main() {
	var url, cacheDir, groupLayout, dropGroups, spikePattern string
	var plotPath, reportPath string
	var skipRows, skipCols, minGroupSize int
	var nMADs, pseudocount float64
	var generalUse bool

	flag.StringVar(&url, "url", "https://ftp.ncbi.nlm.nih.gov/geo/series/GSE29nnn/GSE29087/suppl/GSE29087_L139_expression_tab.txt.gz", "URL of the tab-separated count table")
	flag.StringVar(&cacheDir, "cachedir", "cache", "Directory for the downloaded-file cache")
	flag.IntVar(&skipRows, "skiprows", 6, "Number of leading metadata lines before the count rows")
	flag.IntVar(&skipCols, "skipcols", 6, "Number of annotation columns between the feature ID and the first count column")
	flag.StringVar(&spikePattern, "spikepattern", "SPIKE", "Substring of feature IDs that marks spike-in transcripts")
	flag.StringVar(&groupLayout, "groups", "ESC:48,MEF:44,Neg:4", "Cell group layout as label:count pairs, in column order")
	flag.StringVar(&dropGroups, "dropgroups", "Neg", "Comma-separated group labels to remove unconditionally (negative-control wells)")
	flag.Float64Var(&nMADs, "nmads", 3, "Median-absolute-deviations threshold for QC outlier flagging")
	flag.IntVar(&minGroupSize, "mingroupsize", 3, "Smallest group for which outlier detection is attempted")
	flag.BoolVar(&generalUse, "generaluse", true, "Apply the spike-in factors to endogenous genes as well (log-normalize the full matrix)")
	flag.Float64Var(&pseudocount, "pseudocount", 1, "Pseudo-count offset for the log2 transform")
	flag.StringVar(&plotPath, "plot", "sizefactors.png", "Output path for the comparison scatter plot")
	flag.StringVar(&reportPath, "report", "cells.csv", "Output path for the per-cell CSV report")

	flag.Parse()

	if url == "" {
		log.Fatalln("Please provide -url")
	}

	if groupLayout == "" {
		log.Fatalln("Please provide -groups")
	}

	log.Println("Launched spikenorm")

	if err := runAll(url, cacheDir, groupLayout, dropGroups, spikePattern, plotPath, reportPath,
		skipRows, skipCols, minGroupSize, nMADs, pseudocount, generalUse); err != nil {
		log.Fatalln(err)
	}
}

func runAll(url, cacheDir, groupLayout, dropGroups, spikePattern, plotPath, reportPath string,
	skipRows, skipCols, minGroupSize int, nMADs, pseudocount float64, generalUse bool) error {

	// Retrieve the count table, reusing the local cache when present.
	fetcher := &fetch.Fetcher{Cache: fetch.DirCache{Root: cacheDir}}

	localPath, err := fetcher.Fetch(context.Background(), url)
	if err != nil {
		return err
	}
	log.Println("Count table available at", localPath)

	r, err := fetch.MaybeOpenGzip(localPath)
	if err != nil {
		return err
	}
	defer r.Close()

	m, err := expr.Parse(r, expr.ParseOptions{
		SkipRows:     skipRows,
		SkipColumns:  skipCols,
		Comma:        '\t',
		SpikePattern: spikePattern,
	})
	if err != nil {
		return err
	}
	log.Println("Parsed", m.NumFeatures(), "features x", m.NumCells(), "cells;", m.NumSpikes(), "spike-in rows")

	groups, err := expandGroupLayout(groupLayout)
	if err != nil {
		return err
	}
	if len(groups) != m.NumCells() {
		return fmt.Errorf("Group layout describes %d cells but the table has %d", len(groups), m.NumCells())
	}

	dataset, err := expr.NewDataset(m, groups)
	if err != nil {
		return err
	}

	// QC: flag per-group outliers on the three cell metrics, plus the
	// negative-control wells.
	qcRes, err := qc.Filter(m, groups, qc.Options{
		NMADs:        nMADs,
		MinGroupSize: minGroupSize,
		DropGroups:   splitNonEmpty(dropGroups),
	})
	if err != nil {
		return err
	}
	log.Println(qcRes.NumDropped(), "of", m.NumCells(), "cells flagged for removal")
	log.Printf("Cells per flag: %+v\n", qcRes.FlagCounts)

	logMetricHistograms(qcRes.Metrics)

	dataset, err = dataset.SubsetCells(qcRes.Keep)
	if err != nil {
		return err
	}
	log.Println("Retained", dataset.Matrix.NumCells(), "cells after QC")

	// Spike-in size factors, optionally promoted to general-purpose use.
	spikeFactors, err := sizefactor.SpikeIn(dataset.Matrix)
	if err != nil {
		return err
	}

	usage := expr.SpikeInOnly
	if generalUse {
		usage = expr.GeneralPurpose
	}
	if err := dataset.SetSizeFactors(spikeFactors, usage); err != nil {
		return err
	}
	log.Println("Computed spike-in size factors with usage", usage)

	if generalUse {
		if err := dataset.LogNormalize(pseudocount); err != nil {
			return err
		}
		log.Println("Log-normalized the count matrix (pseudocount", pseudocount, ")")
	}

	// Deconvolution factors from endogenous genes only, for comparison.
	// They are never applied to the data here.
	deconvFactors, err := sizefactor.Deconvolve(dataset.Matrix, dataset.Groups, sizefactor.DeconvolveOptions{})
	if err != nil {
		return err
	}
	log.Println("Computed deconvolution size factors for comparison")

	if err := writeComparisonPlot(plotPath, dataset.Groups, spikeFactors, deconvFactors); err != nil {
		return err
	}
	log.Println("Wrote comparison plot to", plotPath)

	if err := writeReport(reportPath, dataset, spikeFactors, deconvFactors); err != nil {
		return err
	}
	log.Println("Wrote per-cell report to", reportPath)

	return nil
}

// expandGroupLayout turns "ESC:48,MEF:44,Neg:4" into one label per cell in
// column order.
func expandGroupLayout(layout string) ([]string, error) {
	var out []string

	for _, part := range strings.Split(layout, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		label, countStr, found := strings.Cut(part, ":")
		if !found || label == "" {
			return nil, fmt.Errorf("Malformed group layout entry %q; expected label:count", part)
		}

		n, err := strconv.Atoi(countStr)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("Malformed group count in %q", part)
		}

		for i := 0; i < n; i++ {
			out = append(out, label)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("Group layout %q describes no cells", layout)
	}

	return out, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	return out
}

// logMetricHistograms prints terminal histograms of the pre-filter QC
// metrics, which makes skewed libraries visible at a glance in the run log.
func logMetricHistograms(m qc.Metrics) {
	for _, metric := range []struct {
		name   string
		values []float64
	}{
		{"library size", m.LibrarySize},
		{"detected features", m.DetectedFeatures},
		{"spike-in %", m.SpikePercent},
	} {
		log.Println("Distribution of", metric.name, "across all cells:")

		hist := histogram.Hist(10, metric.values)
		if err := histogram.Fprint(os.Stdout, hist, histogram.Linear(40)); err != nil {
			log.Println("Could not render histogram:", err)
		}
	}
}
