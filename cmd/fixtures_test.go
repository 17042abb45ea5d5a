package main

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/config"
	"github.com/sells-group/zonal-stats/internal/engine"
	"github.com/sells-group/zonal-stats/internal/raster"
)

// zonesGeoJSON splits the 4x1 test raster into two districts of one region.
const zonesGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"name":"a","region":"r1"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,1],[0,1],[0,0]]]}},
{"type":"Feature","properties":{"name":"b","region":"r1"},"geometry":{"type":"Polygon","coordinates":[[[2,0],[4,0],[4,1],[2,1],[2,0]]]}}
]}`

func testConfig(cacheDir string) *config.Config {
	c := &config.Config{}
	c.Cache.Dir = cacheDir
	c.Cache.KeyLock = true
	c.Fetch.TimeoutSecs = 5
	c.Fetch.MaxRetries = 1
	c.Fetch.RatePerSec = 1000
	c.Engine.Workers = 2
	c.Engine.PercentageFloor = 0.005
	c.Engine.DefaultStats = []string{"min", "max", "mean", "median"}
	c.Server.Port = 8080
	c.Server.MaxBodyMB = 1
	return c
}

// writeFixtures writes a 4x1 raster holding 1..4 and the zones file under dir.
func writeFixtures(t *testing.T, fs afero.Fs, dir string) (rasterPath, zonesPath string) {
	t.Helper()
	r, err := raster.New(raster.Grid{
		Width:     4,
		Height:    1,
		Transform: raster.GeoTransform{0, 1, 0, 1, 0, -1},
		EPSG:      32633,
	})
	require.NoError(t, err)
	copy(r.Data, []float64{1, 2, 3, 4})
	r.SetNoData(-9999)

	rasterPath = filepath.Join(dir, "rain.tif")
	zonesPath = filepath.Join(dir, "zones.geojson")
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	require.NoError(t, raster.WriteFile(fs, rasterPath, r))
	require.NoError(t, afero.WriteFile(fs, zonesPath, []byte(zonesGeoJSON), 0o644))
	return rasterPath, zonesPath
}

func newTestEngine(c *config.Config, fs afero.Fs) (*engine.Engine, *cache.Cache) {
	ac := engine.NewCache(c, fs)
	return engine.New(engine.ConfigFrom(c), ac), ac
}

func decodeRows(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(body, &rows), string(body))
	return rows
}
