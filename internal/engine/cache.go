package engine

import (
	"time"

	"github.com/spf13/afero"

	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/config"
	"github.com/sells-group/zonal-stats/internal/fetcher"
	"github.com/sells-group/zonal-stats/internal/raster"
)

// NewCache builds the artifact cache on fs with origin fetchers and raster
// validity checks configured from cfg.
func NewCache(cfg *config.Config, fs afero.Fs) *cache.Cache {
	router := fetcher.New(fetcher.Options{
		UserAgent:          cfg.Fetch.UserAgent,
		Timeout:            time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:         cfg.Fetch.MaxRetries,
		RatePerSec:         cfg.Fetch.RatePerSec,
		InsecureSkipVerify: cfg.Fetch.InsecureSkipVerify,
		Fs:                 fs,
	})
	tif := cache.ValidatorFunc(raster.Validator())
	return cache.New(fs, cfg.Cache.Dir,
		cache.WithFetcher(router),
		cache.WithValidator("tif", tif),
		cache.WithValidator("tiff", tif),
		cache.WithKeyLock(cfg.Cache.KeyLock),
	)
}
