// Package zones loads administrative boundary features from GeoJSON,
// shapefiles and GeoPackages, local or remote, with optional admin level,
// bounding box and simplification filters.
package zones

import (
	"context"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/fetcher"
	"github.com/sells-group/zonal-stats/internal/geo"
	"github.com/sells-group/zonal-stats/internal/metrics"
)

// CachePrefix is the cache prefix for downloaded zone files.
const CachePrefix = "zones"

// AdminLevelKey is the property filtered by Options.AdminLevel.
const AdminLevelKey = "admin_level"

// Options filters and simplifies loaded zones.
type Options struct {
	// AdminLevel keeps features whose admin_level property equals it.
	// Features without the property are kept.
	AdminLevel *int
	// BBox keeps features whose bounds lie inside the box.
	BBox *geo.BBox
	// SimplifyTolerance simplifies every geometry when set and positive.
	SimplifyTolerance *float64
	// Layer selects a GeoPackage feature table. Defaults to the first one.
	Layer string
}

// Loader reads zone sources through the artifact cache.
type Loader struct {
	cache *cache.Cache
	log   *zap.Logger
}

// NewLoader creates a Loader backed by c.
func NewLoader(c *cache.Cache) *Loader {
	return &Loader{cache: c, log: zap.L().With(zap.String("component", "zones"))}
}

// Format returns the lower-cased extension of a zone source without the
// dot. Sources without one are treated as GeoJSON.
func Format(src string) string {
	p := src
	if fetcher.Scheme(src) != "" {
		if u, err := url.Parse(src); err == nil {
			p = u.Path
		}
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return "json"
	}
	return ext
}

// Load reads src and returns its polygonal features, filtered by opts.
// An empty result is not an error.
func (l *Loader) Load(ctx context.Context, src string, opts Options) (*geo.FeatureCollection, error) {
	format := Format(src)
	p := src
	if fetcher.IsRemote(src) {
		var err error
		p, err = l.cache.FetchURL(ctx, CachePrefix, src, format)
		if err != nil {
			return nil, err
		}
	} else if fetcher.Scheme(src) == "file" {
		if u, err := url.Parse(src); err == nil {
			p = u.Path
		}
	}

	var (
		fc  *geo.FeatureCollection
		err error
	)
	switch format {
	case "shp", "zip":
		fc, err = l.readShapefile(p, format == "zip")
	case "gpkg":
		fc, err = l.readGeoPackage(ctx, p, opts)
	default:
		fc, err = l.readGeoJSON(p)
	}
	if err != nil {
		return nil, err
	}

	out, err := l.apply(ctx, fc, opts)
	if err != nil {
		return nil, err
	}
	l.log.Debug("zones loaded",
		zap.String("source", src),
		zap.String("format", format),
		zap.Int("features", out.Len()),
		zap.Int("dropped", out.Dropped),
	)
	return out, nil
}

func (l *Loader) readGeoJSON(p string) (*geo.FeatureCollection, error) {
	f, err := l.cache.Fs().Open(p)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: open %s", p)
	}
	defer f.Close() //nolint:errcheck

	fc, err := geo.DecodeFeatureCollection(f)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: decode %s", p)
	}
	return fc, nil
}

// apply drops non-polygonal features and runs the admin level, bbox and
// simplify filters in one pass, preserving order.
func (l *Loader) apply(ctx context.Context, fc *geo.FeatureCollection, opts Options) (*geo.FeatureCollection, error) {
	out := &geo.FeatureCollection{
		Features: make([]geo.Feature, 0, len(fc.Features)),
		Dropped:  fc.Dropped,
	}
	for i, f := range fc.Features {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, eris.Wrap(err, "zones: filter")
			}
		}
		if !geo.IsPolygonal(f.Geometry) {
			l.dropMalformed(i, f, geo.ErrNotPolygonal)
			out.Dropped++
			continue
		}
		if !matchesAdminLevel(f.Properties, opts.AdminLevel) {
			continue
		}
		if opts.BBox != nil {
			b, ok := geo.BoundsOf(f.Geometry)
			if !ok || !opts.BBox.Contains(b) {
				continue
			}
		}
		if opts.SimplifyTolerance != nil && *opts.SimplifyTolerance > 0 {
			g, err := geo.Simplify(f.Geometry, *opts.SimplifyTolerance)
			if err != nil {
				l.dropMalformed(i, f, err)
				out.Dropped++
				continue
			}
			f.Geometry = g
		}
		out.Features = append(out.Features, f)
	}
	metrics.RecordDropped("malformed_geometry", out.Dropped)
	return out, nil
}

func (l *Loader) dropMalformed(index int, f geo.Feature, cause error) {
	err := failure.New(failure.MalformedGeometry, "zones.load", f.ID.String(), cause)
	l.log.Warn("dropping zone", zap.Int("index", index), zap.Error(err))
}

func matchesAdminLevel(p *geo.Properties, level *int) bool {
	if level == nil {
		return true
	}
	v, ok := p.Get(AdminLevelKey)
	if !ok || v.IsNull() {
		return true
	}
	return v.String() == strconv.Itoa(*level)
}
