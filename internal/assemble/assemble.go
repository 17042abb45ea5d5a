// Package assemble turns per-zone statistics into the response rows:
// non-finite values are zeroed, the intersect percentage is derived and
// floored, and stats are merged with their source features.
package assemble

import (
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/geo"
	"github.com/sells-group/zonal-stats/internal/metrics"
	"github.com/sells-group/zonal-stats/internal/zonal"
)

// DefaultPercentageFloor drops comparison results covering less than 0.5%
// of their zone.
const DefaultPercentageFloor = 0.005

// IntersectPercentage is the derived comparison column.
const IntersectPercentage = "intersect_percentage"

// Options control assembly.
type Options struct {
	// Prefix is the stat key prefix used by the calculator.
	Prefix string
	// Comparison enables the intersect percentage and the floor.
	Comparison bool
	// Floor overrides DefaultPercentageFloor when non-nil.
	Floor *float64
	// GeoJSONOut wraps each row as a Feature with the source geometry.
	GeoJSONOut bool
}

func (o Options) floor() float64 {
	if o.Floor != nil {
		return *o.Floor
	}
	return DefaultPercentageFloor
}

// Result is one output row: a Feature when geojson output was requested,
// otherwise a flat property map.
type Result struct {
	Feature    *geo.Feature
	Properties *geo.Properties
}

// Props returns the row's property bag in either shape.
func (r Result) Props() *geo.Properties {
	if r.Feature != nil {
		return r.Feature.Properties
	}
	return r.Properties
}

// MarshalJSON writes a GeoJSON Feature or a flat object.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Feature != nil {
		return r.Feature.MarshalJSON()
	}
	if r.Properties == nil {
		return []byte("{}"), nil
	}
	return r.Properties.MarshalJSON()
}

// Filter keeps the sources whose key renders as value. No match is a
// FilterKeyNotFound error.
func Filter(fc *geo.FeatureCollection, key, value string) (*geo.FeatureCollection, error) {
	out, ok := fc.FilterBy(key, value)
	if !ok {
		return nil, failure.Newf(failure.FilterKeyNotFound, "assemble.filter", key,
			"no feature has %s=%q", key, value)
	}
	return out, nil
}

// Assemble merges stats into sources. stats must be aligned with
// sources.Features. Rows dropped by the percentage floor drop together with
// their source.
func Assemble(sources *geo.FeatureCollection, stats []*geo.Properties, opts Options) ([]Result, error) {
	if sources.Len() != len(stats) {
		return nil, eris.Errorf("assemble: %d sources but %d stat rows", sources.Len(), len(stats))
	}
	log := zap.L().With(zap.String("component", "assemble"))

	out := make([]Result, 0, len(stats))
	floored := 0
	for i, st := range stats {
		clean := Clean(st)
		if opts.Comparison {
			pct := Percentage(clean, opts.Prefix)
			clean.Set(opts.Prefix+IntersectPercentage, geo.Number(pct))
			if pct < opts.floor() {
				floored++
				continue
			}
		}

		src := sources.Features[i]
		props := geo.NewProperties()
		if src.Properties != nil {
			props = src.Properties.Clone()
		}
		props.Merge(clean)

		if opts.GeoJSONOut {
			out = append(out, Result{Feature: &geo.Feature{ID: src.ID, Geometry: src.Geometry, Properties: props}})
		} else {
			out = append(out, Result{Properties: props})
		}
	}

	if floored > 0 {
		metrics.RecordDropped("below_percentage_floor", floored)
		log.Debug("results below percentage floor dropped",
			zap.Int("dropped", floored),
			zap.Float64("floor", opts.floor()),
		)
	}
	return out, nil
}

// Clean returns a copy of stats with NaN and infinities replaced by 0.
func Clean(stats *geo.Properties) *geo.Properties {
	out := geo.NewProperties()
	if stats == nil {
		return out
	}
	stats.Range(func(k string, v geo.Value) bool {
		if f, ok := v.Float(); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			v = geo.Number(0)
		}
		out.Set(k, v)
		return true
	})
	return out
}

// Percentage returns intersect_pixels / (count + nodata), or 0 when the zone
// has no pixels.
func Percentage(stats *geo.Properties, prefix string) float64 {
	num := number(stats, prefix+zonal.IntersectPixels)
	total := number(stats, prefix+zonal.StatCount) + number(stats, prefix+zonal.StatNoData)
	if total <= 0 {
		return 0
	}
	return num / total
}

func number(p *geo.Properties, key string) float64 {
	v, ok := p.Get(key)
	if !ok {
		return 0
	}
	f, _ := v.Float()
	return f
}

// Encode writes results as a JSON array.
func Encode(results []Result) ([]byte, error) {
	if results == nil {
		results = []Result{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return nil, eris.Wrap(err, "assemble: encode results")
	}
	return b, nil
}
