package raster

import (
	"fmt"

	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"
)

// ErrUnknownCRS is returned when a CRS has no known projection definition.
var ErrUnknownCRS = eris.New("raster: unknown coordinate reference system")

var geographicEPSG = map[int]bool{
	4326: true, // WGS 84
	4269: true, // NAD83
	4258: true, // ETRS89
	4283: true, // GDA94
	4617: true, // NAD83(CSRS)
	4674: true, // SIRGAS 2000
}

// IsGeographicEPSG reports whether code is a known geographic (lon/lat) CRS.
func IsGeographicEPSG(code int) bool {
	return geographicEPSG[code]
}

// Proj4 returns a proj4 definition for the EPSG codes the engine handles:
// geographic CRSs, web mercator and WGS 84 UTM zones.
func Proj4(code int) (string, error) {
	switch {
	case IsGeographicEPSG(code):
		return "+proj=longlat +datum=WGS84 +no_defs", nil
	case code == 3857 || code == 900913:
		return "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext +no_defs", nil
	case code > 32600 && code <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", code-32600), nil
	case code > 32700 && code <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", code-32700), nil
	default:
		return "", eris.Wrapf(ErrUnknownCRS, "raster: EPSG:%d", code)
	}
}

// spatialRef parses the projection of g.
func spatialRef(g Grid) (*proj.SR, error) {
	code := g.EPSG
	if code == 0 && g.Geographic {
		code = 4326
	}
	def, err := Proj4(code)
	if err != nil {
		return nil, err
	}
	sr, err := proj.Parse(def)
	if err != nil {
		return nil, eris.Wrapf(err, "raster: parse projection for EPSG:%d", code)
	}
	return sr, nil
}
