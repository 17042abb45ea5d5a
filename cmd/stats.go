package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/zonal-stats/internal/assemble"
	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/overlay"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Compute zonal statistics once and print the results",
	Long: `Compute statistics for a raster over a set of zones and print the JSON
results. The request is read from a JSON or YAML file, or built from flags.

Examples:
  # Mean rainfall per province
  stats --geotiff rain.tif --zones adm2.geojson --group-by ADM1_EN --stats mean

  # Percentage of each district under a flood mask, as GeoJSON
  stats --request flood.yaml --geojson-out --output flood.json

  # Districts crossed by a storm track
  stats --geotiff pop.tif --zones adm2.geojson \
    --wfs-url https://example.org/geoserver/wfs --wfs-layer storms --wfs-key WindSpeed`,
	RunE: runStats,
}

func init() {
	statsFlags(statsCmd.Flags())
	rootCmd.AddCommand(statsCmd)
}

func statsFlags(f *pflag.FlagSet) {
	f.String("request", "", "request file (.json, .yaml or .yml)")
	f.String("geotiff", "", "raster URL or path")
	f.String("zones", "", "zones URL or path (GeoJSON, Shapefile, zip or GeoPackage)")
	f.String("group-by", "", "property to dissolve zones by")
	f.Int("admin-level", 0, "administrative level to keep before grouping")
	f.Float64("simplify", 0, "simplification tolerance in degrees")
	f.Bool("geojson-out", false, "emit GeoJSON features instead of flat rows")
	f.String("comparison", "", "intersect comparison, e.g. '>=10'")
	f.String("mask", "", "mask raster URL or path")
	f.String("mask-expr", "", "mask calc expression over A and B")
	f.String("filter", "", "keep zones where key=value")
	f.StringSlice("stats", nil, "statistics to compute (default all)")
	f.String("wfs-url", "", "WFS endpoint for the overlay layer")
	f.String("wfs-layer", "", "WFS layer name")
	f.String("wfs-time", "", "WFS time filter (YYYY-MM-DD)")
	f.String("wfs-key", "", "overlay property to intersect by")
	f.String("output", "", "output file path (default: stdout)")
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("stats"); err != nil {
		return failure.New(failure.InvalidRequest, "stats", "", err)
	}

	log := zap.L().With(zap.String("command", "stats"))
	f := cmd.Flags()

	body, err := requestBody(f)
	if err != nil {
		return err
	}
	wire, err := decodeStatsRequest(body)
	if err != nil {
		return err
	}
	req, err := wire.toEngine()
	if err != nil {
		return err
	}

	eng, ac := buildEngine(cfg)
	results, err := eng.Compute(ctx, req)
	if err != nil {
		return err
	}
	out, err := assemble.Encode(results)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if path, _ := f.GetString("output"); path != "" {
		file, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "stats: create output")
		}
		defer file.Close() //nolint:errcheck
		w = file
	}
	if _, err := w.Write(append(out, '\n')); err != nil {
		return eris.Wrap(err, "stats: write output")
	}

	st := ac.Stats()
	log.Info("stats complete",
		zap.Int("results", len(results)),
		zap.Int64("cache_hits", st.Hits),
		zap.Int64("cache_misses", st.Misses),
	)
	return nil
}

// requestBody returns the JSON request, from --request when given and
// otherwise from the individual flags.
func requestBody(f *pflag.FlagSet) ([]byte, error) {
	if path, _ := f.GetString("request"); path != "" {
		return readRequestFile(path)
	}
	req, err := requestFromFlags(f)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "stats: encode request")
	}
	return body, nil
}

// readRequestFile loads a JSON or YAML request. YAML is converted to JSON so
// both go through the same schema validation.
func readRequestFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "stats.request", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, failure.New(failure.InvalidRequest, "stats.request", path, eris.Wrap(err, "parse yaml"))
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return nil, failure.New(failure.InvalidRequest, "stats.request", path, eris.Wrap(err, "convert yaml"))
		}
		return body, nil
	default:
		return data, nil
	}
}

func requestFromFlags(f *pflag.FlagSet) (*statsRequest, error) {
	req := &statsRequest{}
	req.GeoTIFFURL, _ = f.GetString("geotiff")
	req.ZonesURL, _ = f.GetString("zones")
	req.GroupBy, _ = f.GetString("group-by")
	req.GeoJSONOut, _ = f.GetBool("geojson-out")
	req.IntersectComparison, _ = f.GetString("comparison")
	req.MaskURL, _ = f.GetString("mask")
	req.MaskCalcExpr, _ = f.GetString("mask-expr")
	req.Stats, _ = f.GetStringSlice("stats")

	if f.Changed("admin-level") {
		v, _ := f.GetInt("admin-level")
		req.AdminLevel = &v
	}
	if f.Changed("simplify") {
		v, _ := f.GetFloat64("simplify")
		req.SimplifyTolerance = &v
	}
	if s, _ := f.GetString("filter"); s != "" {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, failure.Newf(failure.InvalidRequest, "stats.flags", s, "--filter must be key=value")
		}
		req.FilterBy = &filterBy{Key: key, Value: value}
	}
	if u, _ := f.GetString("wfs-url"); u != "" {
		p := &overlay.WFSParams{URL: u}
		p.LayerName, _ = f.GetString("wfs-layer")
		p.Time, _ = f.GetString("wfs-time")
		p.Key, _ = f.GetString("wfs-key")
		req.WFSParams = p
	}
	return req, nil
}
