package raster

import (
	"math"

	ctgeom "github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"
)

// ErrNoOverlap is returned when no source pixel lands on the target grid.
var ErrNoOverlap = eris.New("raster: source and target grids do not overlap")

// ResampleSum resamples src onto target so that the total of valid samples is
// preserved where the grids overlap. The result uses 0 as nodata.
//
// Grids in the same CRS distribute every source pixel over the target pixels
// it overlaps, weighted by overlap area. Grids in different CRSs assign each
// source pixel to the target pixel containing its transformed center.
func ResampleSum(src *Raster, target Grid) (*Raster, error) {
	if !src.NorthUp() || !target.NorthUp() {
		return nil, ErrRotatedGrid
	}
	out, err := New(target)
	if err != nil {
		return nil, err
	}
	out.SetNoData(0)

	var hit bool
	if src.SameCRS(target) {
		hit = distributeByArea(src, out)
	} else {
		hit, err = assignByCenter(src, out)
		if err != nil {
			return nil, err
		}
	}
	if !hit {
		return nil, ErrNoOverlap
	}
	return out, nil
}

type span struct{ lo, hi float64 }

func (s span) overlap(o span) float64 {
	return math.Max(0, math.Min(s.hi, o.hi)-math.Max(s.lo, o.lo))
}

func cellSpan(origin, size float64, i int) span {
	a, b := origin+float64(i)*size, origin+float64(i+1)*size
	if a > b {
		a, b = b, a
	}
	return span{a, b}
}

// indexRange returns the inclusive range of cell indexes along one axis that
// intersect s, clamped to [0, n).
func indexRange(s span, origin, size float64, n int) (int, int) {
	a, b := (s.lo-origin)/size, (s.hi-origin)/size
	if a > b {
		a, b = b, a
	}
	lo, hi := int(math.Floor(a)), int(math.Ceil(b))-1
	return max(lo, 0), min(hi, n-1)
}

func distributeByArea(src, out *Raster) bool {
	sgt, tgt := src.Transform, out.Transform
	srcArea := math.Abs(sgt[1] * sgt[5])
	var hit bool
	for r := 0; r < src.Height; r++ {
		ys := cellSpan(sgt[3], sgt[5], r)
		r0, r1 := indexRange(ys, tgt[3], tgt[5], out.Height)
		if r0 > r1 {
			continue
		}
		for c := 0; c < src.Width; c++ {
			v := src.At(c, r)
			if !src.Valid(v) {
				continue
			}
			xs := cellSpan(sgt[0], sgt[1], c)
			c0, c1 := indexRange(xs, tgt[0], tgt[1], out.Width)
			for tr := r0; tr <= r1; tr++ {
				oy := ys.overlap(cellSpan(tgt[3], tgt[5], tr))
				if oy == 0 {
					continue
				}
				for tc := c0; tc <= c1; tc++ {
					ox := xs.overlap(cellSpan(tgt[0], tgt[1], tc))
					if ox == 0 {
						continue
					}
					out.Data[tr*out.Width+tc] += v * ox * oy / srcArea
					hit = true
				}
			}
		}
	}
	return hit
}

func assignByCenter(src, out *Raster) (bool, error) {
	from, err := spatialRef(src.Grid)
	if err != nil {
		return false, err
	}
	to, err := spatialRef(out.Grid)
	if err != nil {
		return false, err
	}
	trans, err := from.NewTransform(to)
	if err != nil {
		return false, eris.Wrap(err, "raster: build transform")
	}

	tgt := out.Transform
	var hit bool
	for r := 0; r < src.Height; r++ {
		for c := 0; c < src.Width; c++ {
			v := src.At(c, r)
			if !src.Valid(v) {
				continue
			}
			x, y := src.PixelCenter(c, r)
			tx, ty, ok := transformPoint(trans, x, y)
			if !ok {
				continue
			}
			tc := int(math.Floor((tx - tgt[0]) / tgt[1]))
			tr := int(math.Floor((ty - tgt[3]) / tgt[5]))
			if tc < 0 || tc >= out.Width || tr < 0 || tr >= out.Height {
				continue
			}
			out.Data[tr*out.Width+tc] += v
			hit = true
		}
	}
	return hit, nil
}

func transformPoint(t proj.Transformer, x, y float64) (float64, float64, bool) {
	var p ctgeom.Geom = ctgeom.Point{X: x, Y: y}
	g, err := p.Transform(t)
	if err != nil {
		return 0, 0, false
	}
	switch pt := g.(type) {
	case ctgeom.Point:
		return pt.X, pt.Y, true
	case *ctgeom.Point:
		return pt.X, pt.Y, true
	default:
		return 0, 0, false
	}
}
