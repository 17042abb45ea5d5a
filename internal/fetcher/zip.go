package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// shapefileParts are the members a shapefile reader looks for next to the .shp.
var shapefileParts = map[string]bool{".shp": true, ".shx": true, ".dbf": true, ".prj": true, ".cpg": true}

// ExtractShapefile unpacks the first shapefile found in the archive at
// zipPath on fs into destDir on the OS filesystem and returns the .shp path.
// Members are flattened to their base names and anything that is not part
// of that shapefile is ignored.
func ExtractShapefile(fs afero.Fs, zipPath, destDir string) (string, error) {
	f, err := fs.Open(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: open archive")
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return "", eris.Wrap(err, "zip: stat archive")
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return "", eris.Wrap(err, "zip: read archive")
	}

	stem := ""
	for _, zf := range zr.File {
		if skipMember(zf) {
			continue
		}
		if strings.EqualFold(filepath.Ext(zf.Name), ".shp") {
			stem = memberStem(zf.Name)
			break
		}
	}
	if stem == "" {
		return "", eris.Errorf("zip: no .shp file in %s", zipPath)
	}

	var shpPath string
	for _, zf := range zr.File {
		ext := strings.ToLower(filepath.Ext(zf.Name))
		if skipMember(zf) || !shapefileParts[ext] || !strings.EqualFold(memberStem(zf.Name), stem) {
			continue
		}
		dest := filepath.Join(destDir, filepath.Base(zf.Name))
		if err := extractMember(zf, dest); err != nil {
			return "", err
		}
		if ext == ".shp" {
			shpPath = dest
		}
	}
	return shpPath, nil
}

// skipMember drops directories and macOS resource forks.
func skipMember(zf *zip.File) bool {
	return zf.FileInfo().IsDir() || strings.Contains(zf.Name, "__MACOSX")
}

func memberStem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func extractMember(zf *zip.File, dest string) error {
	rc, err := zf.Open()
	if err != nil {
		return eris.Wrapf(err, "zip: open member %s", zf.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "zip: create %s", dest)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return eris.Wrapf(err, "zip: write %s", dest)
	}
	if err := out.Close(); err != nil {
		return eris.Wrapf(err, "zip: close %s", dest)
	}
	return nil
}
