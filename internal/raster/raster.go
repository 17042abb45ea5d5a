// Package raster holds single-band rasters: the grid model, a GeoTIFF codec,
// polygon rasterization, sum-preserving resampling and pixel area.
package raster

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/zonal-stats/internal/geo"
)

// GeoTransform is the GDAL affine transform:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// Grid describes the pixel lattice of a raster.
type Grid struct {
	Width     int
	Height    int
	Transform GeoTransform
	// EPSG is the CRS code, 0 when unknown.
	EPSG       int
	Geographic bool
}

// NorthUp reports whether the grid has no rotation terms.
func (g Grid) NorthUp() bool {
	return g.Transform[2] == 0 && g.Transform[4] == 0
}

// PixelCenter returns the world coordinate of the center of (col, row).
func (g Grid) PixelCenter(col, row int) (float64, float64) {
	c, r := float64(col)+0.5, float64(row)+0.5
	gt := g.Transform
	return gt[0] + c*gt[1] + r*gt[2], gt[3] + c*gt[4] + r*gt[5]
}

// Bounds returns the world extent of a north-up grid.
func (g Grid) Bounds() geo.BBox {
	gt := g.Transform
	x0, x1 := gt[0], gt[0]+float64(g.Width)*gt[1]
	y0, y1 := gt[3], gt[3]+float64(g.Height)*gt[5]
	return geo.BBox{
		MinX: math.Min(x0, x1), MaxX: math.Max(x0, x1),
		MinY: math.Min(y0, y1), MaxY: math.Max(y0, y1),
	}
}

// SameCRS reports whether both grids carry the same coordinate reference system.
func (g Grid) SameCRS(o Grid) bool {
	return g.EPSG == o.EPSG && g.Geographic == o.Geographic
}

// Compatible reports whether pixels of g and o can be combined one to one:
// same size, same CRS and geotransforms equal within a relative tolerance.
func (g Grid) Compatible(o Grid, tol float64) bool {
	if g.Width != o.Width || g.Height != o.Height || !g.SameCRS(o) {
		return false
	}
	for i := range g.Transform {
		a, b := g.Transform[i], o.Transform[i]
		scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
		if math.Abs(a-b) > tol*scale {
			return false
		}
	}
	return true
}

// Raster is a single band of float64 samples in row-major order.
type Raster struct {
	Grid
	Data      []float64
	NoData    float64
	HasNoData bool
}

// New allocates a raster filled with zeros.
func New(g Grid) (*Raster, error) {
	if g.Width <= 0 || g.Height <= 0 {
		return nil, eris.Errorf("raster: invalid size %dx%d", g.Width, g.Height)
	}
	return &Raster{Grid: g, Data: make([]float64, g.Width*g.Height)}, nil
}

// At returns the sample at (col, row).
func (r *Raster) At(col, row int) float64 {
	return r.Data[row*r.Width+col]
}

// Set stores v at (col, row).
func (r *Raster) Set(col, row int, v float64) {
	r.Data[row*r.Width+col] = v
}

// Valid reports whether v is a usable sample: finite and not the nodata value.
func (r *Raster) Valid(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return !r.HasNoData || v != r.NoData
}

// SetNoData sets the nodata value.
func (r *Raster) SetNoData(v float64) {
	r.NoData = v
	r.HasNoData = true
}
