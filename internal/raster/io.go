package raster

import (
	"bytes"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"

	"github.com/sells-group/zonal-stats/internal/failure"
)

// Open reads and decodes the GeoTIFF at path.
func Open(fs afero.Fs, path string) (*Raster, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, failure.New(failure.RasterError, "raster.open", path, eris.Wrap(err, "raster: read file"))
	}
	r, err := Decode(data)
	if err != nil {
		return nil, failure.New(failure.RasterError, "raster.open", path, err)
	}
	return r, nil
}

// WriteFile encodes r to path.
func WriteFile(fs afero.Fs, path string, r *Raster) error {
	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return eris.Wrap(err, "raster: write file")
	}
	return nil
}

// Validator returns a cache validity check for raster artifacts: the file
// must parse as a TIFF with a usable band layout.
func Validator() func(fs afero.Fs, path string) bool {
	return func(fs afero.Fs, path string) bool {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return false
		}
		t, err := parseTIFF(data)
		if err != nil {
			return false
		}
		_, err = t.layout()
		return err == nil
	}
}
