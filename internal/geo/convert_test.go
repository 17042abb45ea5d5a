package geo

import (
	"testing"

	ctgeom "github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestToPolygonal_DropsClosingVertex(t *testing.T) {
	p, err := ToPolygonal(square(0, 0, 1))
	require.NoError(t, err)
	polys := p.Polygons()
	require.Len(t, polys, 1)
	require.Len(t, polys[0], 1)
	assert.Len(t, polys[0][0], 4)
}

func TestToPolygonal_RejectsNonPolygonal(t *testing.T) {
	_, err := ToPolygonal(geom.NewPointFlat(geom.XY, []float64{1, 2}))
	require.ErrorIs(t, err, ErrNotPolygonal)

	degenerate := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{{0, 0}, {1, 1}, {0, 0}}})
	_, err = ToPolygonal(degenerate)
	require.Error(t, err)
}

func TestFromPolygonal_AssignsHolesByNesting(t *testing.T) {
	// Hole listed first and in the same orientation as the shell.
	hole := []ctgeom.Point{{X: 4, Y: 4}, {X: 6, Y: 4}, {X: 6, Y: 6}, {X: 4, Y: 6}}
	shell := []ctgeom.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	p := ctgeom.Polygon{hole, shell}

	g := FromPolygonal(p)
	poly, ok := g.(*geom.Polygon)
	require.True(t, ok, "expected a single polygon, got %T", g)
	require.Equal(t, 2, poly.NumLinearRings())
	assert.InDelta(t, 96.0, Area(g), 1e-9)
	assert.InDelta(t, 96.0, poly.Area(), 1e-9, "shell ccw and hole cw")

	first := poly.LinearRing(0).Coords()
	assert.Equal(t, first[0], first[len(first)-1], "rings are closed")
}

func TestFromPolygonal_SeparateShellsBecomeMultiPolygon(t *testing.T) {
	a := ctgeom.Polygon{{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}}
	b := ctgeom.Polygon{{{X: 5, Y: 5}, {X: 7, Y: 5}, {X: 7, Y: 7}, {X: 5, Y: 7}}}

	g := FromPolygonal(ctgeom.MultiPolygon{a, b})
	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	assert.Equal(t, 2, mp.NumPolygons())
	assert.InDelta(t, 5.0, Area(g), 1e-9)
}

func TestFromPolygonal_Empty(t *testing.T) {
	assert.Nil(t, FromPolygonal(nil))
	assert.Nil(t, FromPolygonal(ctgeom.Polygon{}))
}

func TestArea_IgnoresOrientation(t *testing.T) {
	cw := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{{0, 0}, {0, 2}, {3, 2}, {3, 0}, {0, 0}}})
	assert.InDelta(t, 6.0, Area(cw), 1e-12)
	assert.Equal(t, 0.0, Area(geom.NewPointFlat(geom.XY, []float64{0, 0})))
}

func TestSimplify_KeepsPolygonal(t *testing.T) {
	// A square with many collinear vertices along each edge.
	var ring []geom.Coord
	for i := 0; i <= 10; i++ {
		ring = append(ring, geom.Coord{float64(i), 0})
	}
	for i := 1; i <= 10; i++ {
		ring = append(ring, geom.Coord{10, float64(i)})
	}
	for i := 9; i >= 0; i-- {
		ring = append(ring, geom.Coord{float64(i), 10})
	}
	for i := 9; i >= 0; i-- {
		ring = append(ring, geom.Coord{0, float64(i)})
	}
	p := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{ring})

	s, err := Simplify(p, 0.5)
	require.NoError(t, err)
	assert.True(t, IsPolygonal(s))
	assert.InDelta(t, 100.0, Area(s), 1e-6)
	assert.LessOrEqual(t, len(s.FlatCoords()), len(p.FlatCoords()))

	same, err := Simplify(p, 0)
	require.NoError(t, err)
	assert.Same(t, p, same)
}

func TestBBox(t *testing.T) {
	b, ok := BoundsOf(square(1, 2, 3))
	require.True(t, ok)
	assert.Equal(t, BBox{MinX: 1, MinY: 2, MaxX: 4, MaxY: 5}, b)

	outer := BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	assert.True(t, outer.Contains(b))
	assert.True(t, outer.Intersects(BBox{MinX: 9, MinY: 9, MaxX: 12, MaxY: 12}))
	assert.False(t, outer.Contains(BBox{MinX: 9, MinY: 9, MaxX: 12, MaxY: 12}))
	assert.True(t, EmptyBBox().IsEmpty())
	assert.Equal(t, b, EmptyBBox().Extend(b))

	_, ok = BoundsOf(nil)
	assert.False(t, ok)
}

func TestGPKG_RoundTrip(t *testing.T) {
	blob, err := EncodeGPKG(square(0, 0, 2), 4326)
	require.NoError(t, err)

	g, srs, err := DecodeGPKG(blob)
	require.NoError(t, err)
	assert.Equal(t, int32(4326), srs)
	assert.InDelta(t, 4.0, Area(g), 1e-12)

	_, _, err = DecodeGPKG([]byte("XX000000"))
	require.Error(t, err)
}
