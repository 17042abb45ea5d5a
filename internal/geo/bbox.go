package geo

import (
	"math"

	"github.com/twpayne/go-geom"
)

// BBox is an axis-aligned rectangle (minx, miny, maxx, maxy).
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// EmptyBBox returns an inverted box that any Extend call will replace.
func EmptyBBox() BBox {
	return BBox{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
}

// BoundsOf returns the bounding box of g. ok is false for nil or empty geometry.
func BoundsOf(g geom.T) (BBox, bool) {
	if g == nil || len(g.FlatCoords()) == 0 {
		return BBox{}, false
	}
	b := g.Bounds()
	return BBox{MinX: b.Min(0), MinY: b.Min(1), MaxX: b.Max(0), MaxY: b.Max(1)}, true
}

// IsEmpty reports whether the box is inverted.
func (b BBox) IsEmpty() bool {
	return b.MinX > b.MaxX || b.MinY > b.MaxY
}

// Extend grows b to include o.
func (b BBox) Extend(o BBox) BBox {
	return BBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// Contains reports whether o lies entirely inside b.
func (b BBox) Contains(o BBox) bool {
	return o.MinX >= b.MinX && o.MaxX <= b.MaxX && o.MinY >= b.MinY && o.MaxY <= b.MaxY
}

// Intersects reports whether b and o share any point.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX && b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Width returns the x extent.
func (b BBox) Width() float64 { return b.MaxX - b.MinX }

// Height returns the y extent.
func (b BBox) Height() float64 { return b.MaxY - b.MinY }
