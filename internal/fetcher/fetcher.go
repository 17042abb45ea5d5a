// Package fetcher downloads remote origins (rasters, zone files, WFS layers)
// over HTTP(S), FTP or the local filesystem.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"

	"github.com/sells-group/zonal-stats/internal/resilience"
)

// Fetcher downloads a URL and returns its body. The caller closes it.
type Fetcher interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Options configures every origin fetcher built by New.
type Options struct {
	UserAgent          string
	Timeout            time.Duration
	MaxRetries         int
	RatePerSec         float64
	InsecureSkipVerify bool
	// Fs serves file:// URLs and bare paths. Defaults to the OS filesystem.
	Fs afero.Fs
}

// Router dispatches downloads by URL scheme.
type Router struct {
	schemes map[string]Fetcher
	local   Fetcher
}

// New builds a Router for http, https, ftp and file origins. HTTP and FTP
// origins share per-host circuit breakers.
func New(opts Options) *Router {
	breakers := resilience.NewHostBreakers(resilience.BreakerConfig{})
	backoff := resilience.BackoffFor(opts.MaxRetries)

	h := NewHTTPFetcher(HTTPOptions{
		UserAgent:          opts.UserAgent,
		Timeout:            opts.Timeout,
		RatePerSec:         opts.RatePerSec,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		Backoff:            backoff,
		Breakers:           breakers,
	})
	f := NewFTPFetcher(FTPOptions{Timeout: opts.Timeout, Backoff: backoff, Breakers: breakers})
	local := NewFileFetcher(opts.Fs)

	return &Router{
		schemes: map[string]Fetcher{"http": h, "https": h, "ftp": f, "file": local},
		local:   local,
	}
}

// Handle registers fetcher for scheme, replacing any existing one.
func (r *Router) Handle(scheme string, f Fetcher) {
	r.schemes[strings.ToLower(scheme)] = f
}

// Download fetches rawURL with the fetcher registered for its scheme.
// A value without a scheme is treated as a local path.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	scheme := Scheme(rawURL)
	if scheme == "" {
		return r.local.Download(ctx, rawURL)
	}
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, eris.Errorf("fetcher: unsupported scheme %q", scheme)
	}
	return f.Download(ctx, rawURL)
}

// Scheme returns the lower-cased URL scheme of s, or "" for plain paths.
func Scheme(s string) string {
	u, err := url.Parse(s)
	if err != nil || len(u.Scheme) < 2 {
		// A single letter is a Windows drive, not a scheme.
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// IsRemote reports whether s is fetched over the network.
func IsRemote(s string) bool {
	switch Scheme(s) {
	case "http", "https", "ftp":
		return true
	default:
		return false
	}
}
