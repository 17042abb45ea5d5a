// Package mask combines an input raster with a mask raster through a band
// math expression, caching both the reprojected input and the result.
package mask

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/raster"
)

const (
	// DefaultExpression keeps input pixels where the mask equals 1.
	DefaultExpression = "A*(B==1)"
	// ReprojPrefix is the cache prefix for inputs resampled onto a mask grid.
	ReprojPrefix = "raster_reproj"
	// MaskedPrefix is the cache prefix stem for masked outputs.
	MaskedPrefix = "raster_masked"

	noCalc        = "no_calc"
	slugMaxLen    = 20
	gridTolerance = 1e-9
)

// ErrIncompatibleGrids is returned by Apply when the rasters cannot be
// combined pixel by pixel.
var ErrIncompatibleGrids = eris.New("mask: rasters do not share a grid")

var slugReplacer = strings.NewReplacer(
	">=", "ge", "<=", "le", "!=", "ne", "==", "eq", ">", "gt", "<", "lt", "=", "eq",
)

// Slug turns an expression into a short file-name-safe label. An empty
// expression is "no_calc".
func Slug(expr string) string {
	if expr == "" {
		return noCalc
	}
	var b strings.Builder
	for _, r := range slugReplacer.Replace(expr) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > slugMaxLen {
		s = s[:slugMaxLen]
	}
	return s
}

// Apply evaluates expr over the aligned rasters a and b. Pixels where either
// input is nodata, or where the result is not finite, are written as nodata.
// The output uses 0 as nodata.
func Apply(expr *Expr, a, b *raster.Raster) (*raster.Raster, error) {
	if !a.Compatible(b.Grid, gridTolerance) {
		return nil, ErrIncompatibleGrids
	}
	out, err := raster.New(a.Grid)
	if err != nil {
		return nil, err
	}
	out.SetNoData(0)
	for i, av := range a.Data {
		bv := b.Data[i]
		if !a.Valid(av) || !b.Valid(bv) {
			continue
		}
		v := expr.Eval(av, bv)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out.Data[i] = v
	}
	return out, nil
}

// Pipeline masks rasters held in the artifact cache.
type Pipeline struct {
	cache       *cache.Cache
	defaultExpr string
	log         *zap.Logger
}

// New creates a Pipeline. An empty defaultExpr uses DefaultExpression.
func New(c *cache.Cache, defaultExpr string) *Pipeline {
	if defaultExpr == "" {
		defaultExpr = DefaultExpression
	}
	return &Pipeline{
		cache:       c,
		defaultExpr: defaultExpr,
		log:         zap.L().With(zap.String("component", "mask")),
	}
}

// Mask returns the cached raster for (input, mask, calcExpr), computing it on
// a miss. input and mask are raster paths in the cache filesystem. An empty
// calcExpr uses the pipeline's default expression. When the grids differ the
// input is resampled onto the mask grid and the expression applied once more.
func (p *Pipeline) Mask(ctx context.Context, input, mask, calcExpr string) (string, error) {
	text, keyExpr := calcExpr, calcExpr
	if calcExpr == "" {
		text, keyExpr = p.defaultExpr, noCalc
	}
	expr, err := Compile(text)
	if err != nil {
		return "", failure.New(failure.InvalidRequest, "mask.compile", text, err)
	}

	prefix := MaskedPrefix + "_" + Slug(calcExpr)
	return p.cache.Resolve(ctx, prefix, []string{input, mask, keyExpr}, "tif",
		func(ctx context.Context, w io.Writer) error {
			out, err := p.compute(ctx, expr, input, mask)
			if err != nil {
				return err
			}
			return raster.Encode(w, out)
		})
}

func (p *Pipeline) compute(ctx context.Context, expr *Expr, input, mask string) (*raster.Raster, error) {
	fs := p.cache.Fs()
	a, err := raster.Open(fs, input)
	if err != nil {
		return nil, err
	}
	b, err := raster.Open(fs, mask)
	if err != nil {
		return nil, err
	}

	out, err := Apply(expr, a, b)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, ErrIncompatibleGrids) {
		return nil, failure.New(failure.MaskingFailed, "mask.apply", input, err)
	}

	p.log.Info("grids differ, resampling input onto mask grid",
		zap.String("input", input),
		zap.String("mask", mask),
	)
	reproj, err := p.reproject(ctx, input, mask, a, b.Grid)
	if err != nil {
		return nil, err
	}
	a, err = raster.Open(fs, reproj)
	if err != nil {
		return nil, err
	}
	out, err = Apply(expr, a, b)
	if err != nil {
		return nil, failure.New(failure.MaskingFailed, "mask.apply", input, err)
	}
	return out, nil
}

// reproject caches src resampled onto target with sum-preserving resampling.
func (p *Pipeline) reproject(ctx context.Context, input, mask string, src *raster.Raster, target raster.Grid) (string, error) {
	return p.cache.Resolve(ctx, ReprojPrefix, []string{input, mask}, "tif",
		func(_ context.Context, w io.Writer) error {
			out, err := raster.ResampleSum(src, target)
			if err != nil {
				return failure.New(failure.MaskingFailed, "mask.reproject", input, err)
			}
			return raster.Encode(w, out)
		})
}
