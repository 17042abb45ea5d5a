package geo

import "github.com/twpayne/go-geom"

// square returns a closed counter-clockwise square polygon.
func square(x0, y0, size float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size}, {x0, y0},
	}})
}
