// Package cache is the content-addressed artifact cache. Fetched and computed
// files are stored once under a name derived from their key parts and reused
// while a validity check passes. The cache never deletes entries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/zonal-stats/internal/failure"
	"github.com/sells-group/zonal-stats/internal/metrics"
)

// Producer writes the content of a cache entry.
type Producer func(ctx context.Context, w io.Writer) error

// Fetcher downloads remote origins.
type Fetcher interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Entry describes a stored artifact.
type Entry struct {
	Key       string
	Extension string
	Path      string
	CreatedAt time.Time
}

// Stats contains cache counters since construction.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Writes  int64   `json:"writes"`
	HitRate float64 `json:"hit_rate"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithValidator sets the validity check for files with extension ext.
func WithValidator(ext string, v Validator) Option {
	return func(c *Cache) { c.validators[normExt(ext)] = v }
}

// WithClock replaces time.Now, for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFetcher sets the origin fetcher used by FetchURL.
func WithFetcher(f Fetcher) Option {
	return func(c *Cache) { c.fetcher = f }
}

// WithKeyLock toggles collapsing of concurrent misses on the same path.
func WithKeyLock(on bool) Option {
	return func(c *Cache) { c.keyLock = on }
}

// Cache stores artifacts in a directory of an afero filesystem.
type Cache struct {
	fs         afero.Fs
	dir        string
	validators map[string]Validator
	now        func() time.Time
	fetcher    Fetcher
	keyLock    bool
	group      singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// New creates a cache rooted at dir on fs.
func New(fs afero.Fs, dir string, opts ...Option) *Cache {
	c := &Cache{
		fs:         fs,
		dir:        dir,
		validators: make(map[string]Validator),
		now:        time.Now,
		keyLock:    true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fs returns the filesystem entries live on.
func (c *Cache) Fs() afero.Fs {
	return c.fs
}

func normExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// hashKey hashes key parts in order. Each part is length-prefixed so that
// ["ab","c"] and ["a","bc"] differ.
func hashKey(parts []string) string {
	h := sha256.New()
	var n [binary.MaxVarintLen64]byte
	for _, p := range parts {
		l := binary.PutUvarint(n[:], uint64(len(p)))
		h.Write(n[:l])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Path returns where the entry for keyParts is stored.
func (c *Cache) Path(prefix string, keyParts []string, ext string) string {
	return filepath.Join(c.dir, prefix+"_"+hashKey(keyParts)+"."+normExt(ext))
}

func (c *Cache) validator(ext string) Validator {
	if v, ok := c.validators[normExt(ext)]; ok {
		return v
	}
	return Exists{}
}

// Lookup returns the stored entry for keyParts if it is currently valid.
func (c *Cache) Lookup(prefix string, keyParts []string, ext string) (Entry, bool) {
	path := c.Path(prefix, keyParts, ext)
	if !c.validator(ext).Valid(c.fs, path, c.now()) {
		return Entry{}, false
	}
	e := Entry{Key: strings.Join(keyParts, "|"), Extension: normExt(ext), Path: path}
	if info, err := c.fs.Stat(path); err == nil {
		e.CreatedAt = info.ModTime()
	}
	return e, true
}

// Resolve returns the path of the entry for keyParts, running produce on a miss.
func (c *Cache) Resolve(ctx context.Context, prefix string, keyParts []string, ext string, produce Producer) (string, error) {
	return c.resolve(ctx, prefix, c.Path(prefix, keyParts, ext), c.validator(ext), produce)
}

// ResolveByKey resolves an entry addressed by a single explicit key. Entries
// older than ttl are recomputed; a zero ttl never expires.
func (c *Cache) ResolveByKey(ctx context.Context, prefix, key, ext string, ttl time.Duration, produce Producer) (string, error) {
	v := TTL{Max: ttl, Inner: c.validator(ext)}
	return c.resolve(ctx, prefix, c.Path(prefix, []string{key}, ext), v, produce)
}

// LookupByKey returns the path for key without producing anything.
func (c *Cache) LookupByKey(prefix, key, ext string, ttl time.Duration) (string, bool) {
	path := c.Path(prefix, []string{key}, ext)
	v := TTL{Max: ttl, Inner: c.validator(ext)}
	if !v.Valid(c.fs, path, c.now()) {
		metrics.RecordCacheLookup(prefix, metrics.ResultMiss)
		return "", false
	}
	metrics.RecordCacheLookup(prefix, metrics.ResultHit)
	return path, true
}

// FetchURL stores the body of rawURL. Origin failures are FetchFailed
// errors carrying the URL.
func (c *Cache) FetchURL(ctx context.Context, prefix, rawURL, ext string) (string, error) {
	if c.fetcher == nil {
		return "", failure.New(failure.FetchFailed, "cache.fetch", rawURL, eris.New("cache: no fetcher configured"))
	}
	return c.Resolve(ctx, prefix, []string{rawURL}, ext, c.download(rawURL))
}

// FetchURLFresh is FetchURL for origins that change over time: a stored body
// older than ttl is fetched again. The entry path is the one FetchURL uses.
func (c *Cache) FetchURLFresh(ctx context.Context, prefix, rawURL, ext string, ttl time.Duration) (string, error) {
	if c.fetcher == nil {
		return "", failure.New(failure.FetchFailed, "cache.fetch", rawURL, eris.New("cache: no fetcher configured"))
	}
	return c.ResolveByKey(ctx, prefix, rawURL, ext, ttl, c.download(rawURL))
}

func (c *Cache) download(rawURL string) Producer {
	return func(ctx context.Context, w io.Writer) error {
		body, err := c.fetcher.Download(ctx, rawURL)
		if err != nil {
			return failure.New(failure.FetchFailed, "cache.fetch", rawURL, err)
		}
		defer body.Close() //nolint:errcheck
		if _, err := io.Copy(w, body); err != nil {
			return failure.New(failure.FetchFailed, "cache.fetch", rawURL, eris.Wrap(err, "cache: read body"))
		}
		return nil
	}
}

func (c *Cache) resolve(ctx context.Context, prefix, path string, v Validator, produce Producer) (string, error) {
	if v.Valid(c.fs, path, c.now()) {
		c.hits.Add(1)
		metrics.RecordCacheLookup(prefix, metrics.ResultHit)
		return path, nil
	}
	c.misses.Add(1)
	metrics.RecordCacheLookup(prefix, metrics.ResultMiss)

	if !c.keyLock {
		return path, c.store(ctx, prefix, path, v, produce)
	}
	_, err, _ := c.group.Do(path, func() (any, error) {
		// Another caller may have finished while this one waited.
		if v.Valid(c.fs, path, c.now()) {
			return nil, nil
		}
		return nil, c.store(ctx, prefix, path, v, produce)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// store runs produce into a temp file in the cache directory and renames it
// onto path once it validates.
func (c *Cache) store(ctx context.Context, prefix, path string, v Validator, produce Producer) error {
	log := zap.L().With(zap.String("component", "cache"), zap.String("prefix", prefix))

	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return eris.Wrap(err, "cache: create dir")
	}
	tmp, err := afero.TempFile(c.fs, c.dir, prefix+"_*.tmp")
	if err != nil {
		return eris.Wrap(err, "cache: create temp file")
	}
	tmpName := tmp.Name()
	discard := func() { _ = c.fs.Remove(tmpName) }

	start := time.Now()
	if err := produce(ctx, tmp); err != nil {
		_ = tmp.Close()
		discard()
		return eris.Wrapf(err, "cache: produce %s", prefix)
	}
	if err := tmp.Close(); err != nil {
		discard()
		return eris.Wrap(err, "cache: close temp file")
	}
	if !v.Valid(c.fs, tmpName, c.now()) {
		discard()
		return eris.Errorf("cache: produced %s artifact is not valid", prefix)
	}
	if err := c.fs.Rename(tmpName, path); err != nil {
		discard()
		return eris.Wrap(err, "cache: rename artifact")
	}

	c.writes.Add(1)
	metrics.RecordCacheWrite(prefix)
	log.Debug("artifact stored",
		zap.String("path", path),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// LocalPath returns an OS path for an entry, for readers that cannot use
// afero. On an OS filesystem this is path itself. Otherwise the file and
// any sidecars sharing its stem are copied to a temp dir that cleanup removes.
func (c *Cache) LocalPath(path string) (string, func(), error) {
	if _, ok := c.fs.(*afero.OsFs); ok {
		return path, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "zonal-local-*")
	if err != nil {
		return "", nil, eris.Wrap(err, "cache: create local dir")
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	stem := strings.TrimSuffix(path, filepath.Ext(path))
	matches, err := afero.Glob(c.fs, stem+".*")
	if err != nil {
		cleanup()
		return "", nil, eris.Wrap(err, "cache: list sidecars")
	}
	for _, m := range matches {
		data, err := afero.ReadFile(c.fs, m)
		if err != nil {
			cleanup()
			return "", nil, eris.Wrapf(err, "cache: read %s", m)
		}
		if err := os.WriteFile(filepath.Join(dir, filepath.Base(m)), data, 0o600); err != nil {
			cleanup()
			return "", nil, eris.Wrapf(err, "cache: copy %s", m)
		}
	}
	local := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(local); err != nil {
		cleanup()
		return "", nil, eris.Wrapf(err, "cache: %s not found", path)
	}
	return local, cleanup, nil
}

// Stats returns hit, miss and write counters.
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, Writes: c.writes.Load(), HitRate: rate}
}
