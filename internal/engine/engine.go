// Package engine runs one zonal statistics request end to end: it resolves
// the rasters and zones through the artifact cache, applies the optional
// mask, grouping, filter and overlay stages, samples the raster under every
// resulting polygon and assembles the response rows.
package engine

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/assemble"
	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/config"
	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/fetcher"
	"github.com/sells-group/zonal-stats/internal/geo"
	"github.com/sells-group/zonal-stats/internal/grouping"
	"github.com/sells-group/zonal-stats/internal/mask"
	"github.com/sells-group/zonal-stats/internal/metrics"
	"github.com/sells-group/zonal-stats/internal/overlay"
	"github.com/sells-group/zonal-stats/internal/raster"
	"github.com/sells-group/zonal-stats/internal/zonal"
	"github.com/sells-group/zonal-stats/internal/zones"
)

// Cache prefixes owned by the engine.
const (
	RasterPrefix      = "raster"
	InlineZonesPrefix = "zones_geojson"
)

// DefaultPrefix is prepended to stat keys unless an overlay is active.
const DefaultPrefix = "stats_"

// Config tunes the engine.
type Config struct {
	Workers         int
	PercentageFloor float64
	DefaultMaskExpr string
	// OverlayExclude lists overlay values never intersected. Nil uses
	// overlay.DefaultExclusions.
	OverlayExclude []string
	DefaultStats   []string
	// OverlayTTL expires cached WFS responses. Zero keeps them.
	OverlayTTL time.Duration
}

// ConfigFrom maps application configuration onto engine settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Workers:         c.Engine.Workers,
		PercentageFloor: c.Engine.PercentageFloor,
		DefaultMaskExpr: c.Engine.DefaultMaskExpr,
		OverlayExclude:  c.Engine.OverlayExclude,
		DefaultStats:    c.Engine.DefaultStats,
		OverlayTTL:      c.Cache.TTL(),
	}
}

// Zones names the zone set: a source path or URL, or inline features.
type Zones struct {
	Source   string
	Features *geo.FeatureCollection
}

// Overlay names the vector layer intersected with the zones.
type Overlay struct {
	Source            string
	WFS               *overlay.WFSParams
	FilterPropertyKey string
}

// Mask derives the sampled raster from the request raster and a mask raster.
type Mask struct {
	Raster   string
	CalcExpr string
}

// FilterBy keeps zones whose property Key renders as Value.
type FilterBy struct {
	Key   string
	Value string
}

// Request is one statistics computation.
type Request struct {
	Raster            string
	Zones             Zones
	GroupBy           string
	AdminLevel        *int
	SimplifyTolerance *float64
	Stats             []string
	// Prefix overrides DefaultPrefix. It is ignored when an overlay is set.
	Prefix     *string
	GeoJSONOut bool
	Overlay    *Overlay
	Comparison *zonal.Comparison
	Mask       *Mask
	FilterBy   *FilterBy
}

// Engine computes zonal statistics requests.
type Engine struct {
	cfg     Config
	cache   *cache.Cache
	zones   *zones.Loader
	grouper *grouping.Grouper
	overlay *overlay.Resolver
	mask    *mask.Pipeline
	calc    *zonal.Calculator
	log     *zap.Logger
}

// New creates an Engine whose stages share c.
func New(cfg Config, c *cache.Cache) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if len(cfg.DefaultStats) == 0 {
		cfg.DefaultStats = zonal.DefaultStats
	}
	return &Engine{
		cfg:     cfg,
		cache:   c,
		zones:   zones.NewLoader(c),
		grouper: grouping.New(c),
		overlay: overlay.NewResolver(c, cfg.OverlayExclude, overlay.WithTTL(cfg.OverlayTTL)),
		mask:    mask.New(c, cfg.DefaultMaskExpr),
		calc:    zonal.NewCalculator(zonal.WithWorkers(cfg.Workers)),
		log:     zap.L().With(zap.String("component", "engine")),
	}
}

// Compute runs req. Results follow the zone order after grouping, filtering
// and overlay fan-out.
func (e *Engine) Compute(ctx context.Context, req Request) ([]assemble.Result, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	start := time.Now()

	var rasterPath string
	err := e.stage("raster", func() error {
		var err error
		rasterPath, err = e.resolveRaster(ctx, req.Raster)
		return err
	})
	if err != nil {
		return nil, err
	}

	if req.Mask != nil {
		err = e.stage("mask", func() error {
			maskPath, err := e.resolveRaster(ctx, req.Mask.Raster)
			if err != nil {
				return err
			}
			rasterPath, err = e.mask.Mask(ctx, rasterPath, maskPath, req.Mask.CalcExpr)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	// Boundaries are only simplified when they are reshaped anyway.
	var tolerance *float64
	if req.GroupBy != "" || req.Overlay != nil {
		tolerance = req.SimplifyTolerance
	}

	var (
		fc       *geo.FeatureCollection
		sourceID string
	)
	err = e.stage("zones", func() error {
		var err error
		fc, sourceID, err = e.loadZones(ctx, req, tolerance)
		return err
	})
	if err != nil {
		return nil, err
	}

	if req.GroupBy != "" {
		err = e.stage("group", func() error {
			var err error
			fc, err = e.grouper.Group(ctx, fc, req.GroupBy, sourceID, tolerance)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if req.FilterBy != nil {
		filtered, err := assemble.Filter(fc, req.FilterBy.Key, req.FilterBy.Value)
		if err != nil {
			return nil, err
		}
		fc = filtered
	}

	prefix := DefaultPrefix
	if req.Prefix != nil {
		prefix = *req.Prefix
	}
	if req.Overlay != nil {
		err = e.stage("overlay", func() error {
			var err error
			fc, err = e.applyOverlay(ctx, fc, req.Overlay, tolerance)
			return err
		})
		if err != nil {
			return nil, err
		}
		prefix = ""
	}

	names := req.Stats
	if len(names) == 0 {
		names = e.cfg.DefaultStats
	}
	var stats []*geo.Properties
	err = e.stage("stats", func() error {
		r, err := raster.Open(e.cache.Fs(), rasterPath)
		if err != nil {
			return err
		}
		stats, err = e.calc.Compute(ctx, fc.Geometries(), r, zonal.Spec{Stats: names, Comparison: req.Comparison}, prefix)
		return err
	})
	if err != nil {
		return nil, err
	}

	var results []assemble.Result
	err = e.stage("assemble", func() error {
		floor := e.cfg.PercentageFloor
		var err error
		results, err = assemble.Assemble(fc, stats, assemble.Options{
			Prefix:     prefix,
			Comparison: req.Comparison != nil,
			Floor:      &floor,
			GeoJSONOut: req.GeoJSONOut,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("statistics computed",
		zap.String("raster", req.Raster),
		zap.Int("zones", fc.Len()),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results, nil
}

func (e *Engine) validate(req Request) error {
	if req.Raster == "" {
		return failure.Newf(failure.InvalidRequest, "engine.validate", "", "raster is required")
	}
	if req.Zones.Source == "" && req.Zones.Features == nil {
		return failure.Newf(failure.InvalidRequest, "engine.validate", "", "either zones or a zones source must be provided")
	}
	if req.Mask != nil && req.Mask.Raster == "" {
		return failure.Newf(failure.InvalidRequest, "engine.validate", "", "mask raster is required")
	}
	if req.Overlay != nil {
		if req.Overlay.Source == "" && req.Overlay.WFS == nil {
			return failure.Newf(failure.InvalidRequest, "engine.validate", "", "overlay needs a source or wfs params")
		}
		if overlayKey(req.Overlay) == "" {
			return failure.Newf(failure.InvalidRequest, "engine.validate", "", "overlay filter property key is required")
		}
	}
	if req.FilterBy != nil && req.FilterBy.Key == "" {
		return failure.Newf(failure.InvalidRequest, "engine.validate", "", "filter_by key is required")
	}
	return zonal.ValidateStats(req.Stats)
}

func overlayKey(o *Overlay) string {
	if o.FilterPropertyKey != "" {
		return o.FilterPropertyKey
	}
	if o.WFS != nil {
		return o.WFS.Key
	}
	return ""
}

// stage runs fn and records its duration.
func (e *Engine) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	metrics.ObserveStage(name, elapsed)
	if err != nil {
		e.log.Debug("stage failed", zap.String("stage", name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return err
	}
	e.log.Debug("stage done", zap.String("stage", name), zap.Duration("elapsed", elapsed))
	return nil
}

// resolveRaster returns the cache filesystem path of a raster source.
// Remote rasters are downloaded once under the raster prefix.
func (e *Engine) resolveRaster(ctx context.Context, src string) (string, error) {
	switch {
	case fetcher.IsRemote(src):
		p, err := e.cache.FetchURL(ctx, RasterPrefix, src, "tif")
		if err != nil {
			if failure.KindOf(err) == failure.Unknown {
				return "", failure.New(failure.RasterError, "engine.raster", src, err)
			}
			return "", err
		}
		return p, nil
	case fetcher.Scheme(src) == "file":
		u, err := url.Parse(src)
		if err != nil {
			return "", failure.New(failure.InvalidRequest, "engine.raster", src, err)
		}
		return u.Path, nil
	default:
		return src, nil
	}
}

// loadZones returns the filtered zone set and an identifier for the
// grouping cache that covers the source and its admin level.
func (e *Engine) loadZones(ctx context.Context, req Request, tolerance *float64) (*geo.FeatureCollection, string, error) {
	src := req.Zones.Source
	if req.Zones.Features != nil {
		var buf bytes.Buffer
		if err := geo.EncodeFeatureCollection(&buf, req.Zones.Features); err != nil {
			return nil, "", failure.New(failure.InvalidRequest, "engine.zones", "", err)
		}
		data := buf.Bytes()
		p, err := e.cache.Resolve(ctx, InlineZonesPrefix, []string{string(data)}, "geojson",
			func(_ context.Context, w io.Writer) error {
				_, err := w.Write(data)
				return err
			})
		if err != nil {
			return nil, "", err
		}
		src = p
	}

	fc, err := e.zones.Load(ctx, src, zones.Options{AdminLevel: req.AdminLevel, SimplifyTolerance: tolerance})
	if err != nil {
		return nil, "", err
	}
	sourceID := src
	if req.AdminLevel != nil {
		sourceID += "|admin_level=" + strconv.Itoa(*req.AdminLevel)
	}
	return fc, sourceID, nil
}

func (e *Engine) applyOverlay(ctx context.Context, fc *geo.FeatureCollection, o *Overlay, tolerance *float64) (*geo.FeatureCollection, error) {
	var (
		layer *geo.FeatureCollection
		err   error
	)
	if o.WFS != nil {
		layer, err = e.overlay.Fetch(ctx, *o.WFS)
	} else {
		layer, err = e.zones.Load(ctx, o.Source, zones.Options{SimplifyTolerance: tolerance})
	}
	if err != nil {
		return nil, err
	}

	key := overlayKey(o)
	matches, err := e.overlay.Intersect(fc, layer, key)
	if err != nil {
		return nil, err
	}
	e.log.Debug("overlay intersected",
		zap.String("key", key),
		zap.Int("zones", fc.Len()),
		zap.Int("overlay_features", layer.Len()),
		zap.Int("matches", len(matches)),
	)
	return overlay.Features(matches), nil
}
