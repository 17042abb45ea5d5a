package geo

import (
	"math"
	"sort"

	ctgeom "github.com/ctessum/geom"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// ErrNotPolygonal is returned when a geometry is neither a Polygon nor a MultiPolygon.
var ErrNotPolygonal = eris.New("geo: geometry is not polygonal")

// IsPolygonal reports whether g is a Polygon or MultiPolygon.
func IsPolygonal(g geom.T) bool {
	switch g.(type) {
	case *geom.Polygon, *geom.MultiPolygon:
		return true
	default:
		return false
	}
}

// ToPolygonal converts a go-geom Polygon or MultiPolygon into the polygon
// algebra model. Closing vertices are dropped; rings with fewer than three
// distinct vertices are skipped.
func ToPolygonal(g geom.T) (ctgeom.Polygonal, error) {
	switch t := g.(type) {
	case *geom.Polygon:
		p, err := toPolygon(t)
		if err != nil {
			return nil, err
		}
		return p, nil
	case *geom.MultiPolygon:
		mp := make(ctgeom.MultiPolygon, 0, t.NumPolygons())
		for i := 0; i < t.NumPolygons(); i++ {
			p, err := toPolygon(t.Polygon(i))
			if err != nil {
				return nil, err
			}
			if len(p) > 0 {
				mp = append(mp, p)
			}
		}
		if len(mp) == 0 {
			return nil, eris.New("geo: multipolygon has no usable rings")
		}
		return mp, nil
	default:
		return nil, ErrNotPolygonal
	}
}

func toPolygon(p *geom.Polygon) (ctgeom.Polygon, error) {
	out := make(ctgeom.Polygon, 0, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		ring := make([]ctgeom.Point, 0, len(coords))
		for _, c := range coords {
			x, y := c.X(), c.Y()
			if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
				return nil, eris.New("geo: non-finite coordinate")
			}
			ring = append(ring, ctgeom.Point{X: x, Y: y})
		}
		if n := len(ring); n > 1 && ring[0] == ring[n-1] {
			ring = ring[:n-1]
		}
		if len(ring) < 3 {
			if i == 0 {
				return nil, eris.New("geo: polygon shell has fewer than 3 vertices")
			}
			continue
		}
		out = append(out, ring)
	}
	return out, nil
}

type classifiedRing struct {
	pts   []ctgeom.Point
	area  float64 // signed, positive when counter-clockwise
	depth int
	holes [][]ctgeom.Point
}

// FromPolygonal converts polygon algebra output back into a go-geom Polygon
// (one shell) or MultiPolygon (several shells). Shells and holes are
// reassigned by nesting depth because clipping output does not keep them
// grouped. Shells are written counter-clockwise and holes clockwise, with
// closed rings. A result without any ring is nil.
func FromPolygonal(p ctgeom.Polygonal) geom.T {
	if p == nil {
		return nil
	}
	var rings []*classifiedRing
	for _, poly := range p.Polygons() {
		for _, r := range poly {
			if len(r) < 3 {
				continue
			}
			pts := []ctgeom.Point(r)
			a := signedArea(pts)
			if a == 0 {
				continue
			}
			rings = append(rings, &classifiedRing{pts: pts, area: a})
		}
	}
	if len(rings) == 0 {
		return nil
	}

	for i, r := range rings {
		probe := r.pts[0]
		for j, o := range rings {
			if i != j && math.Abs(o.area) > math.Abs(r.area) && pointInRing(probe, o.pts) {
				r.depth++
			}
		}
	}

	var shells []*classifiedRing
	for _, r := range rings {
		if r.depth%2 == 0 {
			shells = append(shells, r)
		}
	}
	for _, r := range rings {
		if r.depth%2 == 0 {
			continue
		}
		var owner *classifiedRing
		for _, s := range shells {
			if s.depth == r.depth-1 && pointInRing(r.pts[0], s.pts) {
				if owner == nil || math.Abs(s.area) < math.Abs(owner.area) {
					owner = s
				}
			}
		}
		if owner != nil {
			owner.holes = append(owner.holes, r.pts)
		}
	}
	sort.SliceStable(shells, func(i, j int) bool {
		return math.Abs(shells[i].area) > math.Abs(shells[j].area)
	})

	polys := make([][][]geom.Coord, 0, len(shells))
	for _, s := range shells {
		rs := [][]geom.Coord{closedCoords(s.pts, true)}
		for _, h := range s.holes {
			rs = append(rs, closedCoords(h, false))
		}
		polys = append(polys, rs)
	}
	if len(polys) == 1 {
		return geom.NewPolygon(geom.XY).MustSetCoords(polys[0])
	}
	return geom.NewMultiPolygon(geom.XY).MustSetCoords(polys)
}

// PolygonalArea returns the planar area of p, or 0 for nil.
func PolygonalArea(p ctgeom.Polygonal) float64 {
	if p == nil {
		return 0
	}
	return math.Abs(p.Area())
}

// Area returns the planar area of a go-geom polygonal geometry regardless of
// ring orientation: each shell counts positive and each hole negative.
// Non-polygonal geometry has zero area.
func Area(g geom.T) float64 {
	switch t := g.(type) {
	case *geom.Polygon:
		return polygonArea(t)
	case *geom.MultiPolygon:
		var a float64
		for i := 0; i < t.NumPolygons(); i++ {
			a += polygonArea(t.Polygon(i))
		}
		return a
	default:
		return 0
	}
}

func polygonArea(p *geom.Polygon) float64 {
	var a float64
	for i := 0; i < p.NumLinearRings(); i++ {
		coords := p.LinearRing(i).Coords()
		pts := make([]ctgeom.Point, len(coords))
		for j, c := range coords {
			pts[j] = ctgeom.Point{X: c.X(), Y: c.Y()}
		}
		ra := math.Abs(signedArea(pts))
		if i == 0 {
			a += ra
		} else {
			a -= ra
		}
	}
	return a
}

// Simplify reduces the vertex count of a polygonal geometry with the given
// tolerance. Geometries the simplifier cannot handle are returned unchanged.
func Simplify(g geom.T, tolerance float64) (geom.T, error) {
	if tolerance <= 0 {
		return g, nil
	}
	p, err := ToPolygonal(g)
	if err != nil {
		return nil, err
	}
	s, ok := p.(interface {
		Simplify(tolerance float64) ctgeom.Geom
	})
	if !ok {
		return g, nil
	}
	simplified, ok := s.Simplify(tolerance).(ctgeom.Polygonal)
	if !ok {
		return g, nil
	}
	out := FromPolygonal(simplified)
	if out == nil {
		// Simplification collapsed the shape; the original is still valid input.
		return g, nil
	}
	return out, nil
}

func closedCoords(pts []ctgeom.Point, ccw bool) []geom.Coord {
	out := make([]geom.Coord, 0, len(pts)+1)
	reverse := (signedArea(pts) > 0) != ccw
	for i := range pts {
		p := pts[i]
		if reverse {
			p = pts[len(pts)-1-i]
		}
		out = append(out, geom.Coord{p.X, p.Y})
	}
	out = append(out, geom.Coord{out[0][0], out[0][1]})
	return out
}

func signedArea(pts []ctgeom.Point) float64 {
	var s float64
	n := len(pts)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		s += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return s / 2
}

// pointInRing is an even-odd ray cast against an open ring.
func pointInRing(p ctgeom.Point, ring []ctgeom.Point) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}
