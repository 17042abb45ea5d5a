package failure

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := New(FetchFailed, "cache.fetch", "https://example.com/a.tif", errors.New("http 503"))
	assert.Equal(t, "cache.fetch: fetch_failed [https://example.com/a.tif]: http 503", err.Error())

	bare := New(FilterKeyNotFound, "assemble.filter", "", nil)
	assert.Equal(t, "assemble.filter: filter_key_not_found", bare.Error())
}

func TestKindOf_ThroughErisWrap(t *testing.T) {
	base := New(RasterError, "raster.open", "/cache/raster_x.tif", errors.New("bad magic"))
	wrapped := eris.Wrap(eris.Wrap(base, "zonal: open raster"), "engine: compute")

	assert.Equal(t, RasterError, KindOf(wrapped))
	assert.True(t, Is(wrapped, RasterError))
	assert.False(t, Is(wrapped, MaskingFailed))

	fe, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "/cache/raster_x.tif", fe.ID)
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
	assert.False(t, Is(nil, Unknown))
}

func TestKind_Fatal(t *testing.T) {
	tests := []struct {
		kind  Kind
		fatal bool
	}{
		{FetchFailed, true},
		{MalformedGeometry, false},
		{EmptyGroupUnion, false},
		{RasterError, true},
		{MaskingFailed, true},
		{FilterKeyNotFound, true},
		{InvalidRequest, true},
		{Unknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.fatal, tt.kind.Fatal())
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(InvalidRequest, "zonal.parse", "<<3", "unknown operator %q", "<<")
	assert.Contains(t, err.Error(), `unknown operator "<<"`)
	assert.Equal(t, InvalidRequest, KindOf(err))
}
