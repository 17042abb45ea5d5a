// Package zonal computes per-zone raster statistics over pixel-center
// footprints.
package zonal

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/geo"
	"github.com/sells-group/zonal-stats/internal/raster"
)

// Spec selects the statistics to compute.
type Spec struct {
	// Stats are reducer names, in output order.
	Stats []string
	// Comparison enables the custom aggregates, plus count and nodata.
	Comparison *Comparison
}

// Calculator computes zonal statistics.
type Calculator struct {
	workers    int
	aggregates *Registry
	log        *zap.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithWorkers bounds the number of zones processed concurrently.
func WithWorkers(n int) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRegistry replaces the custom aggregate registry.
func WithRegistry(r *Registry) Option {
	return func(c *Calculator) { c.aggregates = r }
}

// NewCalculator creates a Calculator.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		workers:    1,
		aggregates: DefaultRegistry(),
		log:        zap.L().With(zap.String("component", "zonal")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// columns returns the output stat names: requested reducers, then count and
// nodata if a comparison needs them, then the custom aggregates.
func (c *Calculator) columns(spec Spec) []string {
	names := append([]string(nil), spec.Stats...)
	if spec.Comparison == nil {
		return names
	}
	for _, need := range []string{StatCount, StatNoData} {
		found := false
		for _, n := range names {
			if n == need {
				found = true
				break
			}
		}
		if !found {
			names = append(names, need)
		}
	}
	return append(names, c.aggregates.Names()...)
}

// Compute returns one result per geometry, aligned with geoms. Each result
// holds prefix+name for every stat. Non-finite values are written as 0.
func (c *Calculator) Compute(ctx context.Context, geoms []geom.T, r *raster.Raster, spec Spec, prefix string) ([]*geo.Properties, error) {
	if err := ValidateStats(spec.Stats); err != nil {
		return nil, err
	}
	if len(geoms) == 0 {
		return []*geo.Properties{}, nil
	}
	if r == nil || len(r.Data) != r.Width*r.Height {
		return nil, failure.Newf(failure.RasterError, "zonal.compute", "", "raster has no usable band")
	}
	if !r.NorthUp() {
		return nil, failure.New(failure.RasterError, "zonal.compute", "", raster.ErrRotatedGrid)
	}

	cols := c.columns(spec)
	area := raster.PixelAreaKm2(r.Grid)
	out := make([]*geo.Properties, len(geoms))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, shape := range geoms {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			px, err := collect(shape, r)
			if err != nil {
				return failure.New(failure.RasterError, "zonal.compute", "", eris.Wrapf(err, "zonal: zone %d", i))
			}
			px.AreaKm2 = area
			out[i] = c.reduce(px, cols, spec.Comparison, prefix)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.log.Debug("zonal statistics computed",
		zap.Int("zones", len(geoms)),
		zap.Strings("stats", cols),
	)
	return out, nil
}

// collect gathers the samples under shape. A nil geometry has no pixels.
func collect(shape geom.T, r *raster.Raster) (Pixels, error) {
	var px Pixels
	if shape == nil {
		return px, nil
	}
	outside, err := raster.Footprint(shape, r.Grid, func(col, row int) {
		v := r.At(col, row)
		if r.Valid(v) {
			px.Values = append(px.Values, v)
		} else {
			px.NoData++
		}
	})
	if err != nil {
		return px, err
	}
	px.NoData += outside
	return px, nil
}

func (c *Calculator) reduce(px Pixels, cols []string, cmp *Comparison, prefix string) *geo.Properties {
	props := geo.NewProperties()
	for _, name := range cols {
		var v float64
		if fn, ok := reducers[name]; ok {
			v = fn(px)
		} else if agg, ok := c.aggregates.Get(name); ok && cmp != nil {
			v = agg(px, *cmp)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		props.Set(prefix+name, geo.Number(v))
	}
	return props
}
