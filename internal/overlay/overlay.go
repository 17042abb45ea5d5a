// Package overlay intersects zones with polygon layers such as storm
// tracks or flood extents, typically served by an OGC WFS endpoint.
package overlay

import (
	"sort"
	"time"

	ctgeom "github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/geo"
	"github.com/sells-group/zonal-stats/internal/metrics"
)

// DefaultExclusions are overlay values never intersected.
var DefaultExclusions = []string{"Uncertainty Cones"}

// Match is the non-empty intersection of one zone with one overlay feature.
type Match struct {
	ZoneIndex    int
	Properties   *geo.Properties
	OverlayValue geo.Value
	Geometry     geom.T
}

// Resolver fetches overlay layers and intersects them with zones.
type Resolver struct {
	cache   *cache.Cache
	exclude map[string]bool
	ttl     time.Duration
	log     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL refetches cached WFS responses older than ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// NewResolver creates a Resolver. A nil exclude list uses DefaultExclusions.
func NewResolver(c *cache.Cache, exclude []string, opts ...Option) *Resolver {
	if exclude == nil {
		exclude = DefaultExclusions
	}
	set := make(map[string]bool, len(exclude))
	for _, v := range exclude {
		set[v] = true
	}
	r := &Resolver{
		cache:   c,
		exclude: set,
		log:     zap.L().With(zap.String("component", "overlay")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type indexed struct {
	ctgeom.Polygonal
	order int
	value geo.Value
}

// index builds an rtree over the polygonal overlay features that carry key
// and are not excluded.
func (r *Resolver) index(overlay *geo.FeatureCollection, key string) *rtree.Rtree {
	tree := rtree.NewTree(25, 50)
	var missing, excluded int
	for i, f := range overlay.Features {
		if !geo.IsPolygonal(f.Geometry) {
			continue
		}
		v, ok := f.Properties.Get(key)
		if !ok {
			missing++
			continue
		}
		if r.exclude[v.String()] {
			excluded++
			continue
		}
		p, err := geo.ToPolygonal(f.Geometry)
		if err != nil {
			r.log.Warn("skipping overlay feature", zap.Int("index", i), zap.Error(err))
			continue
		}
		tree.Insert(&indexed{Polygonal: p, order: i, value: v})
	}
	if missing > 0 {
		r.log.Warn("overlay features without filter key skipped",
			zap.String("key", key), zap.Int("count", missing))
	}
	if excluded > 0 {
		r.log.Debug("overlay features excluded", zap.Int("count", excluded))
		metrics.RecordDropped("overlay_excluded", excluded)
	}
	return tree
}

// Intersect returns one Match per non-empty intersection of a zone with an
// overlay feature, ordered by zone and then by overlay feature. Each match
// carries the zone properties plus {key: overlayValue}.
func (r *Resolver) Intersect(zones, overlay *geo.FeatureCollection, key string) ([]Match, error) {
	if key == "" {
		return nil, eris.New("overlay: filter property key is required")
	}
	tree := r.index(overlay, key)

	var out []Match
	for zi, z := range zones.Features {
		zp, err := geo.ToPolygonal(z.Geometry)
		if err != nil {
			r.log.Warn("skipping zone", zap.Int("index", zi), zap.Error(err))
			continue
		}
		candidates := tree.SearchIntersect(zp.Bounds())
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].(*indexed).order < candidates[j].(*indexed).order
		})
		for _, c := range candidates {
			ov := c.(*indexed)
			shape, err := intersection(zp, ov.Polygonal)
			if err != nil {
				r.log.Warn("intersection failed",
					zap.Int("zone", zi), zap.Int("overlay", ov.order), zap.Error(err))
				continue
			}
			if shape == nil {
				continue
			}
			props := z.Properties.Clone()
			if props == nil {
				props = geo.NewProperties()
			}
			props.Set(key, ov.value)
			out = append(out, Match{ZoneIndex: zi, Properties: props, OverlayValue: ov.value, Geometry: shape})
		}
	}
	return out, nil
}

func intersection(a, b ctgeom.Polygonal) (out geom.T, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, eris.Errorf("overlay: polygon clipping panicked: %v", r)
		}
	}()
	p := a.Intersection(b)
	if p == nil || geo.PolygonalArea(p) == 0 {
		return nil, nil
	}
	return geo.FromPolygonal(p), nil
}

// Features turns matches into a collection for the statistics stage.
func Features(matches []Match) *geo.FeatureCollection {
	fc := &geo.FeatureCollection{Features: make([]geo.Feature, len(matches))}
	for i, m := range matches {
		fc.Features[i] = geo.Feature{ID: geo.Null(), Geometry: m.Geometry, Properties: m.Properties}
	}
	return fc
}
