package raster

import "math"

// authalicRadius is the radius in meters of the sphere with the WGS 84 ellipsoid's surface area.
const authalicRadius = 6371007.181

// PixelAreaKm2 returns the area of one pixel in square kilometers.
// Geographic grids use the cell at the central row on the authalic sphere;
// projected grids use the pixel size in CRS units, taken as meters.
func PixelAreaKm2(g Grid) float64 {
	gt := g.Transform
	if !g.Geographic {
		return math.Abs(gt[1]*gt[5]-gt[2]*gt[4]) / 1e6
	}
	row := float64(g.Height / 2)
	top := gt[3] + row*gt[5]
	bottom := top + gt[5]
	rad := math.Pi / 180
	lat0 := clampLat(top) * rad
	lat1 := clampLat(bottom) * rad
	dLon := math.Abs(gt[1]) * rad
	return authalicRadius * authalicRadius * dLon * math.Abs(math.Sin(lat0)-math.Sin(lat1)) / 1e6
}

func clampLat(v float64) float64 {
	return math.Max(-90, math.Min(90, v))
}
