// Package grouping dissolves zones that share a property value into one
// feature per value.
package grouping

import (
	"context"
	"io"
	"strconv"

	ctgeom "github.com/ctessum/geom"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/geo"
	"github.com/sells-group/zonal-stats/internal/metrics"
)

// CachePrefix is the cache prefix for grouped zone collections.
const CachePrefix = "zones_grouped"

type group struct {
	value geo.Value
	polys []ctgeom.Polygonal
}

// Union groups fc by the value of key and unions each group's geometry.
// Each output feature carries only {key: value} and uses the value as its
// ID. Groups appear in first-occurrence order. Groups whose union fails or
// is empty are dropped.
func Union(fc *geo.FeatureCollection, key string) (*geo.FeatureCollection, error) {
	log := zap.L().With(zap.String("component", "grouping"), zap.String("key", key))

	var (
		order  []string
		groups = make(map[string]*group)
	)
	missing := 0
	for i, f := range fc.Features {
		v, ok := f.Properties.Get(key)
		if !ok || v.IsNull() {
			missing++
			continue
		}
		id := v.String()
		g, ok := groups[id]
		if !ok {
			g = &group{value: v}
			groups[id] = g
			order = append(order, id)
		}
		p, err := geo.ToPolygonal(f.Geometry)
		if err != nil {
			log.Warn("skipping zone geometry", zap.Int("index", i), zap.String("group", id), zap.Error(err))
			continue
		}
		g.polys = append(g.polys, p)
	}
	if len(order) == 0 && fc.Len() > 0 {
		return nil, failure.Newf(failure.FilterKeyNotFound, "grouping.union", key,
			"no zone carries group key %q", key)
	}
	if missing > 0 {
		log.Warn("zones without group key skipped", zap.Int("count", missing))
	}

	out := &geo.FeatureCollection{Features: make([]geo.Feature, 0, len(order))}
	for _, id := range order {
		g := groups[id]
		merged, err := cascadedUnion(g.polys)
		if err == nil && merged == nil {
			err = eris.New("grouping: union is empty")
		}
		shape := geo.FromPolygonal(merged)
		if err == nil && shape == nil {
			err = eris.New("grouping: union has no rings")
		}
		if err != nil {
			log.Warn("dropping group",
				zap.Error(failure.New(failure.EmptyGroupUnion, "grouping.union", id, err)))
			metrics.RecordDropped("empty_group_union", 1)
			continue
		}
		props := geo.NewProperties()
		props.Set(key, g.value)
		out.Features = append(out.Features, geo.Feature{ID: g.value, Geometry: shape, Properties: props})
	}
	return out, nil
}

// cascadedUnion unions polys pairwise in a balanced tree. A panic inside the
// clipping library is reported as an error.
func cascadedUnion(polys []ctgeom.Polygonal) (out ctgeom.Polygonal, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, eris.Errorf("grouping: polygon clipping panicked: %v", r)
		}
	}()
	if len(polys) == 0 {
		return nil, nil
	}
	for len(polys) > 1 {
		next := make([]ctgeom.Polygonal, 0, (len(polys)+1)/2)
		for i := 0; i+1 < len(polys); i += 2 {
			next = append(next, union(polys[i], polys[i+1]))
		}
		if len(polys)%2 == 1 {
			next = append(next, polys[len(polys)-1])
		}
		polys = next
	}
	return polys[0], nil
}

func union(a, b ctgeom.Polygonal) ctgeom.Polygonal {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return a.Union(b)
}

// Grouper caches grouped collections by source, key and tolerance.
type Grouper struct {
	cache *cache.Cache
}

// New creates a Grouper backed by c.
func New(c *cache.Cache) *Grouper {
	return &Grouper{cache: c}
}

// Group returns Union(fc, key), computed once per (sourceID, key, tolerance).
func (g *Grouper) Group(ctx context.Context, fc *geo.FeatureCollection, key, sourceID string, tolerance *float64) (*geo.FeatureCollection, error) {
	tol := "none"
	if tolerance != nil {
		tol = strconv.FormatFloat(*tolerance, 'g', -1, 64)
	}
	path, err := g.cache.Resolve(ctx, CachePrefix, []string{sourceID, key, tol}, "geojson",
		func(_ context.Context, w io.Writer) error {
			grouped, err := Union(fc, key)
			if err != nil {
				return err
			}
			return geo.EncodeFeatureCollection(w, grouped)
		})
	if err != nil {
		return nil, err
	}

	f, err := g.cache.Fs().Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "grouping: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	out, err := geo.DecodeFeatureCollection(f)
	if err != nil {
		return nil, eris.Wrapf(err, "grouping: decode %s", path)
	}
	return out, nil
}
