package zones

import (
	"archive/zip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/fetcher"
	"github.com/sells-group/zonal-stats/internal/geo"
)

func squareJSON(name string, level int, x0, y0, size float64) string {
	return fmt.Sprintf(`{"type":"Feature","properties":{"name":%q,"admin_level":%d},`+
		`"geometry":{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]}}`,
		name, level, x0, y0, x0+size, y0, x0+size, y0+size, x0, y0+size, x0, y0)
}

const fixtureGeoJSON = `{"type":"FeatureCollection","features":[` +
	`{"type":"Feature","properties":{"name":"point"},"geometry":{"type":"Point","coordinates":[1,1]}},` +
	`{"type":"Feature","properties":{"name":"broken"},"geometry":{"type":"Polygon","coordinates":"x"}},` +
	`%s,%s,%s]}`

func writeFixture(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	doc := fmt.Sprintf(fixtureGeoJSON,
		squareJSON("a", 1, 0, 0, 10),
		squareJSON("b", 2, 20, 0, 10),
		squareJSON("c", 1, 100, 100, 10),
	)
	require.NoError(t, afero.WriteFile(fs, path, []byte(doc), 0o644))
}

func names(fc *geo.FeatureCollection) []string {
	var out []string
	for _, f := range fc.Features {
		v, _ := f.Properties.Get("name")
		out = append(out, v.String())
	}
	return out
}

func TestFormat(t *testing.T) {
	tests := []struct{ src, want string }{
		{"/data/adm.geojson", "geojson"},
		{"https://example.com/z/adm.GPKG?x=1", "gpkg"},
		{"ftp://host/shapes/adm.zip", "zip"},
		{"https://example.com/wfs?service=WFS", "json"},
		{"zones_4f1c.cache", "cache"},
		{"file:///srv/zones/adm.shp", "shp"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.src), tt.src)
	}
}

func TestLoad_GeoJSONDropsNonPolygonal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, "/data/adm.geojson")
	l := NewLoader(cache.New(fs, "/cache"))

	fc, err := l.Load(context.Background(), "/data/adm.geojson", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(fc))
	assert.Equal(t, 2, fc.Dropped)
}

func TestLoad_Filters(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, "/data/adm.geojson")
	l := NewLoader(cache.New(fs, "/cache"))
	ctx := context.Background()

	level := 1
	fc, err := l.Load(ctx, "/data/adm.geojson", Options{AdminLevel: &level})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, names(fc))

	box := geo.BBox{MinX: -1, MinY: -1, MaxX: 50, MaxY: 50}
	fc, err = l.Load(ctx, "/data/adm.geojson", Options{AdminLevel: &level, BBox: &box})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names(fc))

	partial := geo.BBox{MinX: 5, MinY: -1, MaxX: 50, MaxY: 50}
	fc, err = l.Load(ctx, "/data/adm.geojson", Options{BBox: &partial})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names(fc), "bbox keeps contained features only")
}

func TestLoad_FeaturesWithoutAdminLevelAreKept(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := `{"type":"FeatureCollection","features":[` +
		`{"type":"Feature","properties":{"name":"x"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`
	require.NoError(t, afero.WriteFile(fs, "/z.json", []byte(doc), 0o644))

	level := 3
	fc, err := NewLoader(cache.New(fs, "/cache")).Load(context.Background(), "/z.json", Options{AdminLevel: &level})
	require.NoError(t, err)
	assert.Equal(t, 1, fc.Len())
}

func TestLoad_Simplify(t *testing.T) {
	fs := afero.NewMemMapFs()
	// A square with a collinear midpoint on every edge.
	doc := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"name":"s"},` +
		`"geometry":{"type":"Polygon","coordinates":[[[0,0],[5,0],[10,0],[10,5],[10,10],[5,10],[0,10],[0,5],[0,0]]]}}]}`
	require.NoError(t, afero.WriteFile(fs, "/s.geojson", []byte(doc), 0o644))

	tol := 0.5
	fc, err := NewLoader(cache.New(fs, "/cache")).Load(context.Background(), "/s.geojson", Options{SimplifyTolerance: &tol})
	require.NoError(t, err)
	require.Equal(t, 1, fc.Len())
	assert.LessOrEqual(t, len(fc.Features[0].Geometry.FlatCoords()), 18)
	assert.InDelta(t, 100.0, geo.Area(fc.Features[0].Geometry), 1e-6)
}

func TestLoad_MissingFile(t *testing.T) {
	l := NewLoader(cache.New(afero.NewMemMapFs(), "/cache"))
	_, err := l.Load(context.Background(), "/nope.geojson", Options{})
	require.Error(t, err)
}

func TestLoad_RemoteIsCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[`+squareJSON("r", 1, 0, 0, 1)+`]}`)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	c := cache.New(fs, "/cache", cache.WithFetcher(fetcher.New(fetcher.Options{RatePerSec: 1000, MaxRetries: 1})))
	l := NewLoader(c)

	for range 2 {
		fc, err := l.Load(context.Background(), srv.URL+"/adm.geojson", Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"r"}, names(fc))
	}
	assert.Equal(t, int32(1), hits.Load())

	entries, err := afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "zones_"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".geojson"))
}

// writeShapefile writes two zones: a square with a hole and a two-part multipolygon.
func writeShapefile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "adm.shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)

	logical := shp.Field{Fieldtype: 'L', Size: 1}
	copy(logical.Name[:], "COASTAL")
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("NAME", 20),
		shp.NumberField("LEVEL", 4),
		shp.FloatField("POP", 12, 2),
		logical,
	}))

	shell := []shp.Point{{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0}}
	hole := []shp.Point{{X: 2, Y: 2}, {X: 4, Y: 2}, {X: 4, Y: 4}, {X: 2, Y: 4}, {X: 2, Y: 2}}
	far := []shp.Point{{X: 20, Y: 0}, {X: 20, Y: 5}, {X: 25, Y: 5}, {X: 25, Y: 0}, {X: 20, Y: 0}}

	withHole := shp.Polygon(*shp.NewPolyLine([][]shp.Point{shell, hole}))
	multi := shp.Polygon(*shp.NewPolyLine([][]shp.Point{shell, far}))

	row := w.Write(&withHole)
	require.NoError(t, w.WriteAttribute(int(row), 0, "Alpha"))
	require.NoError(t, w.WriteAttribute(int(row), 1, 1))
	require.NoError(t, w.WriteAttribute(int(row), 2, 1234.5))
	require.NoError(t, w.WriteAttribute(int(row), 3, "T"))

	row = w.Write(&multi)
	require.NoError(t, w.WriteAttribute(int(row), 0, "Beta"))
	require.NoError(t, w.WriteAttribute(int(row), 1, 2))
	require.NoError(t, w.WriteAttribute(int(row), 3, "F"))
	w.Close()
	return path
}

func assertShapefileZones(t *testing.T, fc *geo.FeatureCollection) {
	t.Helper()
	require.Equal(t, 2, fc.Len())

	a := fc.Features[0]
	assert.Equal(t, []string{"NAME", "LEVEL", "POP", "COASTAL"}, a.Properties.Keys())
	name, _ := a.Properties.Get("NAME")
	assert.Equal(t, geo.String("Alpha"), name)
	level, _ := a.Properties.Get("LEVEL")
	assert.Equal(t, geo.Number(1), level)
	pop, _ := a.Properties.Get("POP")
	assert.Equal(t, geo.Number(1234.5), pop)
	coastal, _ := a.Properties.Get("COASTAL")
	assert.Equal(t, geo.Bool(true), coastal)

	poly, ok := a.Geometry.(*geom.Polygon)
	require.True(t, ok)
	assert.Equal(t, 2, poly.NumLinearRings())
	assert.InDelta(t, 96.0, geo.Area(poly), 1e-9)

	b := fc.Features[1]
	pop, _ = b.Properties.Get("POP")
	assert.True(t, pop.IsNull())
	mp, ok := b.Geometry.(*geom.MultiPolygon)
	require.True(t, ok)
	assert.Equal(t, 2, mp.NumPolygons())
	assert.InDelta(t, 125.0, geo.Area(mp), 1e-9)
}

func TestLoad_Shapefile(t *testing.T) {
	dir := t.TempDir()
	path := writeShapefile(t, dir)

	l := NewLoader(cache.New(afero.NewOsFs(), filepath.Join(dir, "cache")))
	fc, err := l.Load(context.Background(), path, Options{})
	require.NoError(t, err)
	assertShapefileZones(t, fc)
}

func TestLoad_ZippedShapefile(t *testing.T) {
	dir := t.TempDir()
	writeShapefile(t, dir)

	zipPath := filepath.Join(dir, "adm.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range []string{"adm.shp", "adm.shx", "adm.dbf"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		w, err := zw.Create("boundaries/" + name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	l := NewLoader(cache.New(afero.NewOsFs(), filepath.Join(dir, "cache")))
	fc, err := l.Load(context.Background(), zipPath, Options{})
	require.NoError(t, err)
	assertShapefileZones(t, fc)
}

func TestDBFValue(t *testing.T) {
	assert.Equal(t, geo.Number(12), dbfValue('N', "  12"))
	assert.True(t, dbfValue('N', "    ").IsNull())
	assert.Equal(t, geo.String("n/a"), dbfValue('F', "n/a"))
	assert.Equal(t, geo.Bool(false), dbfValue('L', "n"))
	assert.True(t, dbfValue('L', "?").IsNull())
	assert.Equal(t, geo.String("20240101"), dbfValue('D', "20240101"))
	assert.Equal(t, geo.String("Zone"), dbfValue('C', "Zone   \x00\x00"))
}

func writeGeoPackage(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	for _, stmt := range []string{
		`CREATE TABLE gpkg_contents (table_name TEXT PRIMARY KEY, data_type TEXT NOT NULL, identifier TEXT)`,
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT, geometry_type_name TEXT, srs_id INTEGER, z TINYINT, m TINYINT)`,
		`CREATE TABLE rivers (fid INTEGER PRIMARY KEY, geom BLOB)`,
		`CREATE TABLE adm (fid INTEGER PRIMARY KEY, geom BLOB, name TEXT, admin_level INTEGER, pop REAL, coastal BOOLEAN)`,
		`INSERT INTO gpkg_contents VALUES ('adm', 'features', 'adm')`,
		`INSERT INTO gpkg_contents VALUES ('rivers', 'features', 'rivers')`,
		`INSERT INTO gpkg_geometry_columns VALUES ('adm', 'geom', 'MULTIPOLYGON', 4326, 0, 0)`,
		`INSERT INTO gpkg_geometry_columns VALUES ('rivers', 'geom', 'LINESTRING', 4326, 0, 0)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	rows := []struct {
		name  string
		level int
		x0    float64
	}{{"north", 1, 0}, {"south", 2, 20}, {"east", 1, 40}}
	for i, r := range rows {
		p, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{{
			{r.x0, 0}, {r.x0 + 10, 0}, {r.x0 + 10, 10}, {r.x0, 10}, {r.x0, 0},
		}})
		require.NoError(t, err)
		blob, err := geo.EncodeGPKG(p, 4326)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO adm VALUES (?, ?, ?, ?, ?, ?)`, i+1, blob, r.name, r.level, 10.5*float64(i), i%2)
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO adm (fid, geom, name, admin_level) VALUES (4, NULL, 'empty', 1)`)
	require.NoError(t, err)
}

func TestLoad_GeoPackage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adm.gpkg")
	writeGeoPackage(t, path)
	l := NewLoader(cache.New(afero.NewOsFs(), filepath.Join(dir, "cache")))
	ctx := context.Background()

	fc, err := l.Load(ctx, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"north", "south", "east"}, names(fc))
	assert.Equal(t, 1, fc.Dropped, "row without geometry")

	first := fc.Features[0]
	assert.Equal(t, geo.Number(1), first.ID)
	assert.Equal(t, []string{"name", "admin_level", "pop", "coastal"}, first.Properties.Keys())
	coastal, _ := fc.Features[1].Properties.Get("coastal")
	assert.Equal(t, geo.Bool(true), coastal)

	level := 1
	box := geo.BBox{MinX: -1, MinY: -1, MaxX: 30, MaxY: 30}
	fc, err = l.Load(ctx, path, Options{AdminLevel: &level, BBox: &box})
	require.NoError(t, err)
	assert.Equal(t, []string{"north"}, names(fc))

	_, err = l.Load(ctx, path, Options{Layer: "missing"})
	require.Error(t, err)
}
