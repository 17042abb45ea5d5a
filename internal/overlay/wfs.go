package overlay

import (
	"context"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/geo"
)

// WFSCachePrefix is the cache prefix for WFS responses.
const WFSCachePrefix = "wfs"

// WFSParams selects a WFS layer, optionally for a single day.
type WFSParams struct {
	URL       string `json:"url" yaml:"url"`
	LayerName string `json:"layer_name" yaml:"layer_name"`
	// Time is a YYYY-MM-DD date.
	Time string `json:"time,omitempty" yaml:"time,omitempty"`
	// Key is the property that labels each overlay polygon.
	Key string `json:"key" yaml:"key"`
}

// BuildWFSURL returns the GetFeature URL for p, requesting GeoJSON output.
func BuildWFSURL(p WFSParams) (string, error) {
	if p.URL == "" || p.LayerName == "" {
		return "", failure.Newf(failure.InvalidRequest, "overlay.wfs", p.URL, "wfs url and layer name are required")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", failure.New(failure.InvalidRequest, "overlay.wfs", p.URL, eris.Wrap(err, "overlay: parse wfs url"))
	}

	q := u.Query()
	q.Set("service", "WFS")
	q.Set("version", "1.0.0")
	q.Set("request", "GetFeature")
	q.Set("typeName", p.LayerName)
	q.Set("outputFormat", "application/json")
	if p.Time != "" {
		day, err := time.Parse(time.DateOnly, p.Time)
		if err != nil {
			return "", failure.New(failure.InvalidRequest, "overlay.wfs", p.Time, eris.Wrap(err, "overlay: parse wfs time"))
		}
		q.Set("cql_filter", "timestamp DURING "+day.Format("2006-01-02T15:04:05")+"/P1D")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch downloads the WFS layer through the cache and decodes it. Responses
// older than the resolver TTL are fetched again.
func (r *Resolver) Fetch(ctx context.Context, p WFSParams) (*geo.FeatureCollection, error) {
	wfsURL, err := BuildWFSURL(p)
	if err != nil {
		return nil, err
	}
	path, err := r.cache.FetchURLFresh(ctx, WFSCachePrefix, wfsURL, "json", r.ttl)
	if err != nil {
		return nil, err
	}

	f, err := r.cache.Fs().Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "overlay: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	fc, err := geo.DecodeFeatureCollection(f)
	if err != nil {
		return nil, failure.New(failure.FetchFailed, "overlay.wfs", wfsURL, err)
	}
	r.log.Debug("wfs layer fetched",
		zap.String("layer", p.LayerName),
		zap.Int("features", fc.Len()),
	)
	return fc, nil
}
