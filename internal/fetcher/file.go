package fetcher

import (
	"context"
	"io"
	"net/url"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// FileFetcher reads file:// URLs and plain paths from a filesystem.
type FileFetcher struct {
	fs afero.Fs
}

// NewFileFetcher creates a FileFetcher on fs, or the OS filesystem when fs is nil.
func NewFileFetcher(fs afero.Fs) *FileFetcher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileFetcher{fs: fs}
}

// Download opens the file.
func (f *FileFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := rawURL
	if Scheme(rawURL) == "file" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: parse file url")
		}
		path = u.Path
	}
	file, err := f.fs.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", path)
	}
	return file, nil
}
