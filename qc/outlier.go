package qc

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

type metricScale int

const (
	linearScale metricScale = iota
	logScale
)

type tail int

const (
	lowerTail tail = iota
	upperTail
)

// madConsistency rescales the raw MAD to be a consistent estimator of the
// standard deviation under normality.
const madConsistency = 1.4826

// madOutliers returns the members of cells whose metric value lies more than
// nmads median-absolute-deviations beyond the group median in the given tail.
// Count-like metrics are assessed on a log2 scale, where a zero count maps to
// -Inf and is always a lower-tail outlier. A zero MAD collapses the threshold
// to the median itself, so only values strictly beyond the median can be
// flagged; a constant metric flags nothing.
func madOutliers(values []float64, cells []int, nmads float64, scale metricScale, t tail) ([]int, error) {
	obs := make([]float64, len(cells))
	for i, j := range cells {
		v := values[j]
		if scale == logScale {
			v = math.Log2(v)
		}
		obs[i] = v
	}

	// -Inf observations (zero counts on the log scale) would poison the
	// median and MAD; exclude them from estimation but flag them below.
	finite := make([]float64, 0, len(obs))
	for _, v := range obs {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return nil, fmt.Errorf("No finite observations to estimate a median from")
	}

	med, err := stats.Median(finite)
	if err != nil {
		return nil, err
	}

	mad, err := stats.MedianAbsoluteDeviation(finite)
	if err != nil {
		return nil, err
	}
	mad *= madConsistency

	var outliers []int
	for i, j := range cells {
		v := obs[i]

		switch t {
		case lowerTail:
			if v < med-nmads*mad {
				outliers = append(outliers, j)
			}
		case upperTail:
			if v > med+nmads*mad {
				outliers = append(outliers, j)
			}
		}
	}

	return outliers, nil
}
