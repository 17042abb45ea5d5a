package zones

import (
	"os"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/zonal-stats/internal/fetcher"
	"github.com/sells-group/zonal-stats/internal/geo"
)

// readShapefile reads a .shp (with its .dbf sidecar) or a .zip holding one.
func (l *Loader) readShapefile(p string, zipped bool) (*geo.FeatureCollection, error) {
	var shpPath string
	if zipped {
		dir, err := os.MkdirTemp("", "zones-shp-*")
		if err != nil {
			return nil, eris.Wrap(err, "zones: create extract dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		if shpPath, err = fetcher.ExtractShapefile(l.cache.Fs(), p, dir); err != nil {
			return nil, eris.Wrapf(err, "zones: extract %s", p)
		}
	} else {
		local, cleanup, err := l.cache.LocalPath(p)
		if err != nil {
			return nil, eris.Wrapf(err, "zones: materialize %s", p)
		}
		defer cleanup()
		shpPath = local
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: open shapefile %s", p)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimSpace(f.String())
	}

	fc := &geo.FeatureCollection{}
	for reader.Next() {
		n, shape := reader.Shape()

		props := geo.NewProperties()
		for i, f := range fields {
			props.Set(names[i], dbfValue(f.Fieldtype, reader.Attribute(i)))
		}
		fc.Features = append(fc.Features, geo.Feature{
			ID:         geo.Number(float64(n)),
			Geometry:   shapeGeometry(shape),
			Properties: props,
		})
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "zones: read shapefile %s", p)
	}
	return fc, nil
}

// dbfValue types a dbf cell by its field type.
func dbfValue(fieldType byte, raw string) geo.Value {
	s := strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	switch fieldType {
	case 'N', 'F':
		if s == "" {
			return geo.Null()
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return geo.Number(f)
		}
		return geo.String(s)
	case 'L':
		switch strings.ToUpper(s) {
		case "T", "Y":
			return geo.Bool(true)
		case "F", "N":
			return geo.Bool(false)
		default:
			return geo.Null()
		}
	default:
		return geo.String(s)
	}
}

// shapeGeometry converts a polygon shape into a Polygon or MultiPolygon.
// Other shape types, and polygons without usable rings, yield nil.
func shapeGeometry(s shp.Shape) geom.T {
	var (
		parts  []int32
		points []shp.Point
	)
	switch t := s.(type) {
	case *shp.Polygon:
		parts, points = t.Parts, t.Points
	case *shp.PolygonZ:
		parts, points = t.Parts, t.Points
	case *shp.PolygonM:
		parts, points = t.Parts, t.Points
	default:
		return nil
	}

	var rings [][]geom.Coord
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || end-start < 4 {
			continue
		}
		ring := make([]geom.Coord, 0, end-start)
		for _, pt := range points[start:end] {
			ring = append(ring, geom.Coord{pt.X, pt.Y})
		}
		rings = append(rings, ring)
	}
	return assembleRings(rings)
}

// assembleRings groups rings into polygons: clockwise rings are shells and
// counter-clockwise rings are holes of the shell that contains them.
func assembleRings(rings [][]geom.Coord) geom.T {
	var polys [][][]geom.Coord
	var holes [][]geom.Coord
	for _, r := range rings {
		if ringArea(r) <= 0 {
			polys = append(polys, [][]geom.Coord{r})
		} else {
			holes = append(holes, r)
		}
	}
	for _, h := range holes {
		owner := -1
		for i, p := range polys {
			if inRing(h[0], p[0]) {
				owner = i
				break
			}
		}
		if owner < 0 {
			// A counter-clockwise ring outside every shell is a shell written
			// with the wrong winding.
			polys = append(polys, [][]geom.Coord{h})
			continue
		}
		polys[owner] = append(polys[owner], h)
	}

	switch len(polys) {
	case 0:
		return nil
	case 1:
		p, err := geom.NewPolygon(geom.XY).SetCoords(polys[0])
		if err != nil {
			return nil
		}
		return p
	default:
		mp, err := geom.NewMultiPolygon(geom.XY).SetCoords(polys)
		if err != nil {
			return nil
		}
		return mp
	}
}

// ringArea is the signed shoelace area, positive for counter-clockwise rings.
func ringArea(r []geom.Coord) float64 {
	var a float64
	for i := range r {
		j := (i + 1) % len(r)
		a += r[i][0]*r[j][1] - r[j][0]*r[i][1]
	}
	return a / 2
}

func inRing(pt geom.Coord, r []geom.Coord) bool {
	in := false
	for i, j := 0, len(r)-1; i < len(r); j, i = i, i+1 {
		xi, yi, xj, yj := r[i][0], r[i][1], r[j][0], r[j][1]
		if (yi > pt[1]) != (yj > pt[1]) && pt[0] < (xj-xi)*(pt[1]-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}
