package main

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var groupPalette = []drawing.Color{
	chart.ColorBlue,
	chart.ColorRed,
	chart.ColorGreen,
	chart.ColorOrange,
	chart.ColorCyan,
}

// writeComparisonPlot renders a log-log scatter of the two size-factor sets,
// one dot per cell, colored by group, with a dashed y=x reference line.
// Divergence from the line shows where the two normalization strategies
// disagree.
func writeComparisonPlot(filename string, groups []string, spikeFactors, deconvFactors []float64) error {
	if len(groups) != len(spikeFactors) || len(spikeFactors) != len(deconvFactors) {
		return fmt.Errorf("Mismatched plot inputs: %d groups, %d spike factors, %d deconvolution factors",
			len(groups), len(spikeFactors), len(deconvFactors))
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

	lo, hi := math.Inf(1), math.Inf(-1)
	for j := range spikeFactors {
		for _, v := range []float64{math.Log10(spikeFactors[j]), math.Log10(deconvFactors[j])} {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "y = x",
			XValues: []float64{lo, hi},
			YValues: []float64{lo, hi},
			Style: chart.Style{
				StrokeColor:     chart.ColorLightGray,
				StrokeDashArray: []float64{5.0, 5.0},
			},
		},
	}

	for i, g := range groupNames {
		cells := byGroup[g]

		xs := make([]float64, 0, len(cells))
		ys := make([]float64, 0, len(cells))
		for _, j := range cells {
			xs = append(xs, math.Log10(spikeFactors[j]))
			ys = append(ys, math.Log10(deconvFactors[j]))
		}

		series = append(series, chart.ContinuousSeries{
			Name:    g,
			XValues: xs,
			YValues: ys,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    5,
				DotColor:    groupPalette[i%len(groupPalette)],
			},
		})
	}

	graph := chart.Chart{
		Title:  "Spike-in vs deconvolution size factors",
		Width:  768,
		Height: 768,
		XAxis: chart.XAxis{
			Name: "log10 spike-in size factor",
		},
		YAxis: chart.YAxis{
			Name: "log10 deconvolution size factor",
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	// Render to a byte buffer
	buffer := bytes.NewBuffer([]byte{})
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return err
	}

	outFile, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer outFile.Close()

	if _, err := buffer.WriteTo(outFile); err != nil {
		return err
	}

	return nil
}
