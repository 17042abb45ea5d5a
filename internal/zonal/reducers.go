package zonal

import (
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/zonal-stats/internal/failure"
)

// Pixels are the samples under one zone footprint.
type Pixels struct {
	// Values are the valid samples.
	Values []float64
	// NoData counts nodata samples plus footprint pixels outside the raster.
	NoData int
	// AreaKm2 is the area of one pixel.
	AreaKm2 float64
}

// Reducer summarizes the pixels of a zone.
type Reducer func(p Pixels) float64

// Stat names.
const (
	StatMin    = "min"
	StatMax    = "max"
	StatMean   = "mean"
	StatMedian = "median"
	StatSum    = "sum"
	StatStd    = "std"
	StatCount  = "count"
	StatNoData = "nodata"
)

// AllStats lists every built-in reducer in its canonical order.
var AllStats = []string{StatMin, StatMax, StatMean, StatMedian, StatSum, StatStd, StatCount, StatNoData}

// DefaultStats are computed when a request names none.
var DefaultStats = []string{StatMin, StatMax, StatMean, StatMedian}

var reducers = map[string]Reducer{
	StatMin: func(p Pixels) float64 {
		if len(p.Values) == 0 {
			return 0
		}
		return floats.Min(p.Values)
	},
	StatMax: func(p Pixels) float64 {
		if len(p.Values) == 0 {
			return 0
		}
		return floats.Max(p.Values)
	},
	StatSum: func(p Pixels) float64 { return floats.Sum(p.Values) },
	StatMean: func(p Pixels) float64 {
		if len(p.Values) == 0 {
			return 0
		}
		return stat.Mean(p.Values, nil)
	},
	StatStd: func(p Pixels) float64 {
		if len(p.Values) == 0 {
			return 0
		}
		_, std := stat.PopMeanStdDev(p.Values, nil)
		return std
	},
	StatMedian: median,
	StatCount:  func(p Pixels) float64 { return float64(len(p.Values)) },
	StatNoData: func(p Pixels) float64 { return float64(p.NoData) },
}

// median averages the two middle values of an even-sized sample.
func median(p Pixels) float64 {
	n := len(p.Values)
	if n == 0 {
		return 0
	}
	s := slices.Clone(p.Values)
	slices.Sort(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// ValidateStats rejects unknown stat names.
func ValidateStats(names []string) error {
	for _, n := range names {
		if _, ok := reducers[n]; !ok {
			return failure.Newf(failure.InvalidRequest, "zonal.stats", n, "unknown statistic %q", n)
		}
	}
	return nil
}
