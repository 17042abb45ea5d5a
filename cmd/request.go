package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/zonal-stats/internal/engine"
	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/geo"
	"github.com/sells-group/zonal-stats/internal/overlay"
	"github.com/sells-group/zonal-stats/internal/zonal"
)

//go:embed schema/stats_request.json
var statsSchemaJSON string

var statsSchema = mustSchema(statsSchemaJSON)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(eris.Wrap(err, "compile stats request schema"))
	}
	return schema
}

// filterBy keeps features whose key renders as value. Numbers and booleans
// are accepted and compared by their text.
type filterBy struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// statsRequest is the wire shape of a statistics request.
type statsRequest struct {
	GeoTIFFURL          string             `json:"geotiff_url"`
	ZonesURL            string             `json:"zones_url,omitempty"`
	Zones               json.RawMessage    `json:"zones,omitempty"`
	GroupBy             string             `json:"group_by,omitempty"`
	AdminLevel          *int               `json:"admin_level,omitempty"`
	SimplifyTolerance   *float64           `json:"simplify_tolerance,omitempty"`
	GeoJSONOut          bool               `json:"geojson_out,omitempty"`
	WFSParams           *overlay.WFSParams `json:"wfs_params,omitempty"`
	IntersectComparison string             `json:"intersect_comparison,omitempty"`
	MaskURL             string             `json:"mask_url,omitempty"`
	MaskCalcExpr        string             `json:"mask_calc_expr,omitempty"`
	FilterBy            *filterBy          `json:"filter_by,omitempty"`
	Stats               []string           `json:"stats,omitempty"`
}

// decodeStatsRequest validates body against the request schema and decodes it.
func decodeStatsRequest(body []byte) (*statsRequest, error) {
	result, err := statsSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "request.decode", "", eris.Wrap(err, "invalid JSON body"))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, failure.Newf(failure.InvalidRequest, "request.decode", "", "validation failed: %s", strings.Join(msgs, "; "))
	}

	var req statsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, failure.New(failure.InvalidRequest, "request.decode", "", eris.Wrap(err, "decode request"))
	}
	return &req, nil
}

// toEngine converts the wire request. The endpoint computes every built-in
// statistic unless the request names some.
func (r *statsRequest) toEngine() (engine.Request, error) {
	req := engine.Request{
		Raster:            r.GeoTIFFURL,
		Zones:             engine.Zones{Source: r.ZonesURL},
		GroupBy:           r.GroupBy,
		AdminLevel:        r.AdminLevel,
		SimplifyTolerance: r.SimplifyTolerance,
		Stats:             r.Stats,
		GeoJSONOut:        r.GeoJSONOut,
	}
	if len(req.Stats) == 0 {
		req.Stats = zonal.AllStats
	}

	if len(r.Zones) > 0 && !bytes.Equal(r.Zones, []byte("null")) {
		fc, err := geo.DecodeFeatureCollection(bytes.NewReader(r.Zones))
		if err != nil {
			return req, failure.New(failure.InvalidRequest, "request.zones", "", err)
		}
		req.Zones = engine.Zones{Features: fc}
	}
	if r.WFSParams != nil {
		req.Overlay = &engine.Overlay{WFS: r.WFSParams, FilterPropertyKey: r.WFSParams.Key}
	}
	if r.IntersectComparison != "" {
		cmp, err := zonal.ParseComparison(r.IntersectComparison)
		if err != nil {
			return req, err
		}
		req.Comparison = cmp
	}
	if r.MaskURL != "" {
		req.Mask = &engine.Mask{Raster: r.MaskURL, CalcExpr: r.MaskCalcExpr}
	}
	if r.FilterBy != nil {
		req.FilterBy = &engine.FilterBy{Key: r.FilterBy.Key, Value: geo.ValueOf(r.FilterBy.Value).String()}
	}
	return req, nil
}
