package raster

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// ErrRotatedGrid is returned when a footprint is requested on a grid with rotation terms.
var ErrRotatedGrid = eris.New("raster: rotated grids are not supported")

type edge struct {
	x0, y0, x1, y1 float64
}

func edgesOf(g geom.T) ([]edge, error) {
	var polys []*geom.Polygon
	switch t := g.(type) {
	case *geom.Polygon:
		polys = []*geom.Polygon{t}
	case *geom.MultiPolygon:
		for i := 0; i < t.NumPolygons(); i++ {
			polys = append(polys, t.Polygon(i))
		}
	default:
		return nil, eris.Errorf("raster: cannot rasterize %T", g)
	}
	var edges []edge
	for _, p := range polys {
		stride := p.Stride()
		for i := 0; i < p.NumLinearRings(); i++ {
			fc := p.LinearRing(i).FlatCoords()
			n := len(fc) / stride
			for j := 0; j < n; j++ {
				k := (j + 1) % n
				edges = append(edges, edge{fc[j*stride], fc[j*stride+1], fc[k*stride], fc[k*stride+1]})
			}
		}
	}
	return edges, nil
}

// Footprint walks the pixels whose centers fall inside g under the even-odd
// rule. fn is called for each such pixel inside the grid; pixels of the
// footprint beyond the grid extent are only counted and returned.
func Footprint(g geom.T, grid Grid, fn func(col, row int)) (outside int, err error) {
	if !grid.NorthUp() {
		return 0, ErrRotatedGrid
	}
	gt := grid.Transform
	if gt[1] <= 0 || gt[5] == 0 {
		return 0, eris.New("raster: degenerate pixel size")
	}
	edges, err := edgesOf(g)
	if err != nil {
		return 0, err
	}
	if len(edges) == 0 {
		return 0, nil
	}

	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, e := range edges {
		minY = math.Min(minY, math.Min(e.y0, e.y1))
		maxY = math.Max(maxY, math.Max(e.y0, e.y1))
	}
	ra := (minY-gt[3])/gt[5] - 0.5
	rb := (maxY-gt[3])/gt[5] - 0.5
	rowLo, rowHi := int(math.Ceil(math.Min(ra, rb))), int(math.Floor(math.Max(ra, rb)))

	var xs []float64
	for row := rowLo; row <= rowHi; row++ {
		y := gt[3] + (float64(row)+0.5)*gt[5]
		xs = xs[:0]
		for _, e := range edges {
			if (e.y0 <= y && y < e.y1) || (e.y1 <= y && y < e.y0) {
				xs = append(xs, e.x0+(y-e.y0)*(e.x1-e.x0)/(e.y1-e.y0))
			}
		}
		sort.Float64s(xs)
		inRow := row >= 0 && row < grid.Height
		for i := 0; i+1 < len(xs); i += 2 {
			c0 := int(math.Ceil((xs[i]-gt[0])/gt[1] - 0.5))
			c1 := int(math.Ceil((xs[i+1]-gt[0])/gt[1]-0.5)) - 1
			if c1 < c0 {
				continue
			}
			if !inRow {
				outside += c1 - c0 + 1
				continue
			}
			lo, hi := max(c0, 0), min(c1, grid.Width-1)
			if lo > hi {
				outside += c1 - c0 + 1
				continue
			}
			outside += (lo - c0) + (c1 - hi)
			for c := lo; c <= hi; c++ {
				fn(c, row)
			}
		}
	}
	return outside, nil
}
