package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/zonal-stats/internal/failure"
)

func writeString(s string) Producer {
	return func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func countingProducer(calls *atomic.Int64, s string) Producer {
	return func(ctx context.Context, w io.Writer) error {
		calls.Add(1)
		return writeString(s)(ctx, w)
	}
}

func TestHashKey_OrderAndBoundaries(t *testing.T) {
	assert.Equal(t, hashKey([]string{"a", "b"}), hashKey([]string{"a", "b"}))
	assert.NotEqual(t, hashKey([]string{"a", "b"}), hashKey([]string{"b", "a"}))
	assert.NotEqual(t, hashKey([]string{"ab", "c"}), hashKey([]string{"a", "bc"}))
	assert.Len(t, hashKey(nil), 16)
}

func TestPath_Layout(t *testing.T) {
	c := New(afero.NewMemMapFs(), "/cache")
	p := c.Path("raster", []string{"https://x/a.tif"}, ".TIF")
	assert.Equal(t, "/cache", filepath.Dir(p))
	assert.True(t, strings.HasPrefix(filepath.Base(p), "raster_"))
	assert.True(t, strings.HasSuffix(p, ".tif"))
}

func TestResolve_ProducesOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/cache")
	var calls atomic.Int64
	ctx := context.Background()

	p1, err := c.Resolve(ctx, "zones", []string{"src", "k"}, "json", countingProducer(&calls, "{}"))
	require.NoError(t, err)
	p2, err := c.Resolve(ctx, "zones", []string{"src", "k"}, "json", countingProducer(&calls, "{}"))
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int64(1), calls.Load())

	data, err := afero.ReadFile(fs, p1)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Writes)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestResolve_ProducerErrorLeavesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/cache")
	boom := errors.New("boom")

	_, err := c.Resolve(context.Background(), "x", []string{"k"}, "json", func(_ context.Context, w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file removed and no entry written")
}

func TestResolve_InvalidExistingIsRecomputed(t *testing.T) {
	fs := afero.NewMemMapFs()
	onlyOK := ValidatorFunc(func(fs afero.Fs, path string) bool {
		b, err := afero.ReadFile(fs, path)
		return err == nil && string(b) == "ok"
	})
	c := New(fs, "/cache", WithValidator("tif", onlyOK))
	path := c.Path("raster", []string{"k"}, "tif")
	require.NoError(t, afero.WriteFile(fs, path, []byte("corrupt"), 0o644))

	var calls atomic.Int64
	got, err := c.Resolve(context.Background(), "raster", []string{"k"}, "tif", countingProducer(&calls, "ok"))
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, int64(1), calls.Load())

	_, err = c.Resolve(context.Background(), "raster", []string{"k2"}, "tif", writeString("still corrupt"))
	require.Error(t, err)
	_, statErr := fs.Stat(c.Path("raster", []string{"k2"}, "tif"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolve_ConcurrentMissesCollapse(t *testing.T) {
	c := New(afero.NewMemMapFs(), "/cache")
	var calls atomic.Int64
	release := make(chan struct{})
	slow := func(ctx context.Context, w io.Writer) error {
		calls.Add(1)
		<-release
		return writeString("v")(ctx, w)
	}

	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = c.Resolve(context.Background(), "grp", []string{"same"}, "json", slow)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range paths {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestResolveByKey_TTL(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Now()
	c := New(fs, "/cache", WithClock(func() time.Time { return now }))
	var calls atomic.Int64
	ctx := context.Background()

	_, err := c.ResolveByKey(ctx, "wfs", "layer|2024-01-01", "json", 30*time.Minute, countingProducer(&calls, "{}"))
	require.NoError(t, err)

	path, ok := c.LookupByKey("wfs", "layer|2024-01-01", "json", 30*time.Minute)
	require.True(t, ok)
	assert.NotEmpty(t, path)

	now = now.Add(time.Hour)
	_, ok = c.LookupByKey("wfs", "layer|2024-01-01", "json", 30*time.Minute)
	assert.False(t, ok)
	_, ok = c.LookupByKey("wfs", "layer|2024-01-01", "json", 0)
	assert.True(t, ok, "zero ttl never expires")

	_, err = c.ResolveByKey(ctx, "wfs", "layer|2024-01-01", "json", 30*time.Minute, countingProducer(&calls, "{}"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

type stubFetcher struct {
	body  string
	err   error
	calls atomic.Int64
}

func (s *stubFetcher) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func TestFetchURL(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := &stubFetcher{body: "payload"}
	c := New(fs, "/cache", WithFetcher(f))

	p, err := c.FetchURL(context.Background(), "raster", "https://example.com/a.tif", "tif")
	require.NoError(t, err)
	_, err = c.FetchURL(context.Background(), "raster", "https://example.com/a.tif", "tif")
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, p)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestFetchURLFresh_Refetches(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Now()
	f := &stubFetcher{body: `{"type":"FeatureCollection","features":[]}`}
	c := New(fs, "/cache", WithFetcher(f), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	u := "https://example.com/wfs?typeName=storms"

	p1, err := c.FetchURLFresh(ctx, "wfs", u, "json", 30*time.Minute)
	require.NoError(t, err)
	_, err = c.FetchURLFresh(ctx, "wfs", u, "json", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.calls.Load())
	assert.Equal(t, c.Path("wfs", []string{u}, "json"), p1)

	now = now.Add(time.Hour)
	p2, err := c.FetchURLFresh(ctx, "wfs", u, "json", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, int64(2), f.calls.Load())
}

func TestFetchURL_FailureCarriesURL(t *testing.T) {
	c := New(afero.NewMemMapFs(), "/cache", WithFetcher(&stubFetcher{err: errors.New("connection refused")}))

	_, err := c.FetchURL(context.Background(), "zones", "https://example.com/z.json", "json")
	require.Error(t, err)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.FetchFailed, fe.Kind)
	assert.Equal(t, "https://example.com/z.json", fe.ID)

	_, err = New(afero.NewMemMapFs(), "/cache").FetchURL(context.Background(), "zones", "https://x", "json")
	assert.True(t, failure.Is(err, failure.FetchFailed))
}

func TestLookup(t *testing.T) {
	c := New(afero.NewMemMapFs(), "/cache")
	_, ok := c.Lookup("p", []string{"k"}, "json")
	assert.False(t, ok)

	_, err := c.Resolve(context.Background(), "p", []string{"k"}, "json", writeString("x"))
	require.NoError(t, err)
	e, ok := c.Lookup("p", []string{"k"}, "json")
	require.True(t, ok)
	assert.Equal(t, "json", e.Extension)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestLocalPath_CopiesSidecars(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/cache")
	for _, ext := range []string{"shp", "shx", "dbf"} {
		require.NoError(t, afero.WriteFile(fs, "/cache/zones_abc."+ext, []byte(ext), 0o644))
	}

	local, cleanup, err := c.LocalPath("/cache/zones_abc.shp")
	require.NoError(t, err)
	defer cleanup()

	for _, ext := range []string{"shp", "shx", "dbf"} {
		b, err := os.ReadFile(strings.TrimSuffix(local, ".shp") + "." + ext)
		require.NoError(t, err)
		assert.Equal(t, ext, string(b))
	}

	_, _, err = c.LocalPath("/cache/missing.shp")
	require.Error(t, err)
}

func TestLocalPath_OsFsPassthrough(t *testing.T) {
	dir := t.TempDir()
	c := New(afero.NewOsFs(), dir)
	p := filepath.Join(dir, "a.json")
	got, cleanup, err := c.LocalPath(p)
	require.NoError(t, err)
	cleanup()
	assert.Equal(t, p, got)
}

func TestTTLValidator(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/f", []byte("x"), 0o644))
	info, err := fs.Stat("/f")
	require.NoError(t, err)

	v := TTL{Max: time.Minute}
	assert.True(t, v.Valid(fs, "/f", info.ModTime().Add(30*time.Second)))
	assert.False(t, v.Valid(fs, "/f", info.ModTime().Add(2*time.Minute)))
	assert.False(t, v.Valid(fs, "/missing", info.ModTime()))

	never := TTL{Max: time.Minute, Inner: ValidatorFunc(func(afero.Fs, string) bool { return false })}
	assert.False(t, never.Valid(fs, "/f", info.ModTime()))
}
