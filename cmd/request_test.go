package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/zonal"
)

func TestDecodeStatsRequest_Valid(t *testing.T) {
	req, err := decodeStatsRequest([]byte(`{
		"geotiff_url": "https://example.org/rain.tif",
		"zones_url": "https://example.org/adm2.json",
		"group_by": "ADM1_PCODE",
		"admin_level": 2,
		"simplify_tolerance": 0.01,
		"geojson_out": true,
		"wfs_params": {"url": "https://example.org/wfs", "layer_name": "storms", "time": "2023-05-01", "key": "label"},
		"intersect_comparison": ">=10",
		"mask_url": "https://example.org/flood.tif",
		"mask_calc_expr": "A*(B>0)",
		"filter_by": {"key": "ADM1_PCODE", "value": "MN01"},
		"stats": ["mean", "sum"]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/rain.tif", req.GeoTIFFURL)
	assert.Equal(t, "ADM1_PCODE", req.GroupBy)
	require.NotNil(t, req.AdminLevel)
	assert.Equal(t, 2, *req.AdminLevel)
	require.NotNil(t, req.WFSParams)
	assert.Equal(t, "storms", req.WFSParams.LayerName)
	assert.Equal(t, []string{"mean", "sum"}, req.Stats)
}

func TestDecodeStatsRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `geotiff_url=x`},
		{"missing raster", `{"zones_url":"z.json"}`},
		{"empty raster", `{"geotiff_url":"","zones_url":"z.json"}`},
		{"missing zones", `{"geotiff_url":"r.tif"}`},
		{"zones without features", `{"geotiff_url":"r.tif","zones":{"type":"FeatureCollection"}}`},
		{"wfs without key", `{"geotiff_url":"r.tif","zones_url":"z.json","wfs_params":{"url":"u","layer_name":"l"}}`},
		{"wfs bad time", `{"geotiff_url":"r.tif","zones_url":"z.json","wfs_params":{"url":"u","layer_name":"l","key":"k","time":"May 1"}}`},
		{"comparison without operator", `{"geotiff_url":"r.tif","zones_url":"z.json","intersect_comparison":"10"}`},
		{"unknown stat", `{"geotiff_url":"r.tif","zones_url":"z.json","stats":["mode"]}`},
		{"filter value object", `{"geotiff_url":"r.tif","zones_url":"z.json","filter_by":{"key":"k","value":{}}}`},
		{"negative admin level", `{"geotiff_url":"r.tif","zones_url":"z.json","admin_level":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeStatsRequest([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.InvalidRequest), err.Error())
		})
	}
}

func TestToEngine_Defaults(t *testing.T) {
	req, err := decodeStatsRequest([]byte(`{"geotiff_url":"r.tif","zones_url":"z.json"}`))
	require.NoError(t, err)
	er, err := req.toEngine()
	require.NoError(t, err)

	assert.Equal(t, "r.tif", er.Raster)
	assert.Equal(t, "z.json", er.Zones.Source)
	assert.Nil(t, er.Zones.Features)
	assert.Equal(t, zonal.AllStats, er.Stats)
	assert.Nil(t, er.Overlay)
	assert.Nil(t, er.Comparison)
	assert.Nil(t, er.Mask)
	assert.Nil(t, er.FilterBy)
	assert.Nil(t, er.Prefix)
}

func TestToEngine_Mapping(t *testing.T) {
	req, err := decodeStatsRequest([]byte(`{
		"geotiff_url": "r.tif",
		"zones": ` + zonesGeoJSON + `,
		"wfs_params": {"url": "https://example.org/wfs", "layer_name": "storms", "key": "label"},
		"intersect_comparison": "> 2",
		"mask_url": "m.tif",
		"filter_by": {"key": "ADM_LEVEL", "value": 2}
	}`))
	require.NoError(t, err)
	er, err := req.toEngine()
	require.NoError(t, err)

	require.NotNil(t, er.Zones.Features)
	assert.Equal(t, 2, er.Zones.Features.Len())
	assert.Empty(t, er.Zones.Source)

	require.NotNil(t, er.Overlay)
	assert.Equal(t, "label", er.Overlay.FilterPropertyKey)
	assert.Equal(t, "storms", er.Overlay.WFS.LayerName)

	require.NotNil(t, er.Comparison)
	assert.True(t, er.Comparison.Holds(3))
	assert.False(t, er.Comparison.Holds(2))

	require.NotNil(t, er.Mask)
	assert.Equal(t, "m.tif", er.Mask.Raster)
	assert.Empty(t, er.Mask.CalcExpr)

	require.NotNil(t, er.FilterBy)
	assert.Equal(t, "ADM_LEVEL", er.FilterBy.Key)
	assert.Equal(t, "2", er.FilterBy.Value, "integral numbers compare without a fraction")
}

func TestToEngine_BadInlineZones(t *testing.T) {
	req, err := decodeStatsRequest([]byte(`{"geotiff_url":"r.tif","zones":{"type":"Topology","features":[]}}`))
	require.NoError(t, err)
	_, err = req.toEngine()
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.InvalidRequest))
}

func TestToEngine_BadComparisonValue(t *testing.T) {
	req, err := decodeStatsRequest([]byte(`{"geotiff_url":"r.tif","zones_url":"z.json","intersect_comparison":">= ten"}`))
	require.NoError(t, err)
	_, err = req.toEngine()
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.InvalidRequest))
}
