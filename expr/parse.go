package expr

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/csimplestring/go-csv/detector"
)

// ParseOptions configures parsing of a delimited count table. The expected
// layout is: SkipRows leading metadata lines, then one line per feature with
// the feature identifier in the first column, SkipColumns ignored annotation
// columns, and one integer count column per cell.
type ParseOptions struct {
	// SkipRows is the number of leading lines to discard before the count
	// rows begin.
	SkipRows int

	// SkipColumns is the number of annotation columns between the feature
	// identifier and the first count column.
	SkipColumns int

	// Comma is the field delimiter. Zero means sniff it from the data.
	Comma rune

	// SpikePattern marks a feature row as a spike-in transcript when its
	// identifier contains this substring. Empty means no spike-ins.
	SpikePattern string

	// CellIDs optionally names the cells (count columns). If nil, cells
	// are named cell001, cell002, ...
	CellIDs []string
}

// Parse reads a delimited count table into a Matrix. Any malformed row,
// non-numeric count, or negative count aborts the parse; no partial matrix is
// returned.
func Parse(r io.Reader, opt ParseOptions) (*Matrix, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, pfx.Err(err)
	}

	comma := opt.Comma
	if comma == 0 {
		comma = determineDelimiter(bytes.NewReader(data))
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = comma
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	var (
		featureIDs []string
		isSpike    []bool
		counts     []float64
		numCells   = -1
		seen       = make(map[string]struct{})
	)

	for lineNum := 0; ; lineNum++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, pfx.Err(fmt.Errorf("Line %d: %v", lineNum+1, err))
		}

		if lineNum < opt.SkipRows {
			continue
		}

		// Some public tables carry a trailing empty field from a
		// delimiter at the end of each line.
		if n := len(record); n > 0 && record[n-1] == "" {
			record = record[:n-1]
		}

		if len(record) < opt.SkipColumns+2 {
			return nil, pfx.Err(fmt.Errorf("Line %d: expected at least %d fields, got %d", lineNum+1, opt.SkipColumns+2, len(record)))
		}

		id := record[0]
		if id == "" {
			return nil, pfx.Err(fmt.Errorf("Line %d: empty feature identifier", lineNum+1))
		}
		if _, dup := seen[id]; dup {
			return nil, pfx.Err(fmt.Errorf("Line %d: duplicate feature identifier %q", lineNum+1, id))
		}
		seen[id] = struct{}{}

		values := record[1+opt.SkipColumns:]
		if numCells < 0 {
			numCells = len(values)
		} else if len(values) != numCells {
			return nil, pfx.Err(fmt.Errorf("Line %d: expected %d count columns, got %d", lineNum+1, numCells, len(values)))
		}

		for _, v := range values {
			count, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, pfx.Err(fmt.Errorf("Line %d: non-numeric count %q for feature %s", lineNum+1, v, id))
			}
			if count < 0 {
				return nil, pfx.Err(fmt.Errorf("Line %d: negative count %q for feature %s", lineNum+1, v, id))
			}
			counts = append(counts, count)
		}

		featureIDs = append(featureIDs, id)
		isSpike = append(isSpike, opt.SpikePattern != "" && strings.Contains(id, opt.SpikePattern))
	}

	if len(featureIDs) == 0 {
		return nil, pfx.Err(fmt.Errorf("No feature rows found after skipping %d lines", opt.SkipRows))
	}

	cellIDs := opt.CellIDs
	if cellIDs == nil {
		cellIDs = make([]string, numCells)
		for j := range cellIDs {
			cellIDs[j] = fmt.Sprintf("cell%03d", j+1)
		}
	} else if len(cellIDs) != numCells {
		return nil, pfx.Err(fmt.Errorf("Provided %d cell IDs but the table has %d count columns", len(cellIDs), numCells))
	}

	return NewMatrix(featureIDs, cellIDs, counts, isSpike)
}

// determineDelimiter returns the single most likely rune delimiting the
// values in the reader, assuming a CSV-like file.
func determineDelimiter(r io.Reader) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(r, '"')

	if len(delimiters) > 0 {
		return rune(delimiters[0][0])
	}

	return '\t'
}
