package zones

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/sells-group/zonal-stats/internal/geo"
)

type gpkgColumn struct {
	name     string
	declType string
	pk       bool
}

// gpkgLayer is a feature table registered in gpkg_contents.
type gpkgLayer struct {
	table     string
	geomCol   string
	columns   []gpkgColumn
	rtree     bool
	hasAdmLvl bool
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// readGeoPackage reads one feature table of a GeoPackage. The admin level
// and bbox filters are pushed into SQL where the table allows it; the
// in-memory filters still run afterwards.
func (l *Loader) readGeoPackage(ctx context.Context, p string, opts Options) (*geo.FeatureCollection, error) {
	local, cleanup, err := l.cache.LocalPath(p)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: materialize %s", p)
	}
	defer cleanup()

	db, err := sql.Open("sqlite", local)
	if err != nil {
		return nil, eris.Wrap(err, "zones: open geopackage")
	}
	defer db.Close() //nolint:errcheck

	layer, err := findLayer(ctx, db, opts.Layer)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: inspect %s", p)
	}

	query, args := layer.selectSQL(opts)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: query %s", layer.table)
	}
	defer rows.Close() //nolint:errcheck

	fc := &geo.FeatureCollection{}
	vals := make([]any, len(layer.columns))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrapf(err, "zones: scan %s", layer.table)
		}
		f := geo.Feature{ID: geo.Null(), Properties: geo.NewProperties()}
		for i, c := range layer.columns {
			switch {
			case c.name == layer.geomCol:
				blob, _ := vals[i].([]byte)
				if len(blob) == 0 {
					continue
				}
				g, _, err := geo.DecodeGPKG(blob)
				if err != nil {
					l.log.Warn("undecodable geopackage geometry", zap.String("table", layer.table), zap.Error(err))
					continue
				}
				f.Geometry = g
			case c.pk:
				f.ID = sqlValue(vals[i], c.declType)
			default:
				f.Properties.Set(c.name, sqlValue(vals[i], c.declType))
			}
		}
		fc.Features = append(fc.Features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "zones: iterate %s", layer.table)
	}
	return fc, nil
}

func findLayer(ctx context.Context, db *sql.DB, name string) (*gpkgLayer, error) {
	q := `SELECT c.table_name, g.column_name
		FROM gpkg_contents c
		JOIN gpkg_geometry_columns g ON g.table_name = c.table_name
		WHERE c.data_type = 'features'`
	var args []any
	if name != "" {
		q += ` AND c.table_name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY c.rowid LIMIT 1`

	layer := &gpkgLayer{}
	if err := db.QueryRowContext(ctx, q, args...).Scan(&layer.table, &layer.geomCol); err != nil {
		if err == sql.ErrNoRows {
			return nil, eris.Errorf("zones: no feature table %q in geopackage", name)
		}
		return nil, eris.Wrap(err, "zones: read gpkg_contents")
	}

	rows, err := db.QueryContext(ctx, `SELECT name, type, pk FROM pragma_table_info(?)`, layer.table)
	if err != nil {
		return nil, eris.Wrap(err, "zones: read table info")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var c gpkgColumn
		var pk int
		if err := rows.Scan(&c.name, &c.declType, &pk); err != nil {
			return nil, eris.Wrap(err, "zones: scan table info")
		}
		c.pk = pk > 0
		c.declType = strings.ToUpper(c.declType)
		if c.name == AdminLevelKey {
			layer.hasAdmLvl = true
		}
		layer.columns = append(layer.columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "zones: iterate table info")
	}

	var n int
	rtree := "rtree_" + layer.table + "_" + layer.geomCol
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE name = ?`, rtree).Scan(&n); err != nil {
		return nil, eris.Wrap(err, "zones: look up spatial index")
	}
	layer.rtree = n > 0
	return layer, nil
}

func (l *gpkgLayer) selectSQL(opts Options) (string, []any) {
	cols := make([]string, len(l.columns))
	pk := "rowid"
	for i, c := range l.columns {
		cols[i] = quoteIdent(c.name)
		if c.pk {
			pk = quoteIdent(c.name)
		}
	}

	var (
		where []string
		args  []any
	)
	if opts.AdminLevel != nil && l.hasAdmLvl {
		where = append(where, quoteIdent(AdminLevelKey)+` = ?`)
		args = append(args, *opts.AdminLevel)
	}
	if opts.BBox != nil && l.rtree {
		where = append(where, pk+` IN (SELECT id FROM `+quoteIdent("rtree_"+l.table+"_"+l.geomCol)+
			` WHERE minx >= ? AND maxx <= ? AND miny >= ? AND maxy <= ?)`)
		args = append(args, opts.BBox.MinX, opts.BBox.MaxX, opts.BBox.MinY, opts.BBox.MaxY)
	}

	q := `SELECT ` + strings.Join(cols, ", ") + ` FROM ` + quoteIdent(l.table)
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	return q + ` ORDER BY ` + pk, args
}

// sqlValue maps a scanned sqlite value onto a property value.
func sqlValue(v any, declType string) geo.Value {
	switch t := v.(type) {
	case nil:
		return geo.Null()
	case int64:
		if declType == "BOOLEAN" {
			return geo.Bool(t != 0)
		}
		return geo.Number(float64(t))
	case float64:
		return geo.Number(t)
	case bool:
		return geo.Bool(t)
	case string:
		return geo.String(t)
	case []byte:
		return geo.String(string(t))
	default:
		return geo.ValueOf(t)
	}
}
