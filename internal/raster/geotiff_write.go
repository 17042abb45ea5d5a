package raster

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"
	"github.com/rotisserie/eris"
)

const writeRowsPerStrip = 16

type outEntry struct {
	tag   uint16
	typ   uint16
	count int
	data  []byte
}

func shorts(v ...int) []byte {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(x))
	}
	return b
}

func longs(v ...int) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(x))
	}
	return b
}

func doubles(v ...float64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return b
}

// Encode writes r as a little-endian GeoTIFF with float64 samples in
// deflate-compressed strips.
func Encode(w io.Writer, r *Raster) error {
	if r == nil || r.Width <= 0 || r.Height <= 0 || len(r.Data) != r.Width*r.Height {
		return eris.New("raster: encode invalid raster")
	}

	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})

	var offsets, counts []int
	row := make([]byte, 8*r.Width)
	for y0 := 0; y0 < r.Height; y0 += writeRowsPerStrip {
		var strip bytes.Buffer
		zw, err := zlib.NewWriterLevel(&strip, zlib.DefaultCompression)
		if err != nil {
			return eris.Wrap(err, "raster: create deflate writer")
		}
		for y := y0; y < y0+writeRowsPerStrip && y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				binary.LittleEndian.PutUint64(row[8*x:], math.Float64bits(r.Data[y*r.Width+x]))
			}
			if _, err := zw.Write(row); err != nil {
				return eris.Wrap(err, "raster: deflate strip")
			}
		}
		if err := zw.Close(); err != nil {
			return eris.Wrap(err, "raster: close deflate writer")
		}
		offsets = append(offsets, buf.Len())
		counts = append(counts, strip.Len())
		buf.Write(strip.Bytes())
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	entries := []outEntry{
		{tagImageWidth, dtLong, 1, longs(r.Width)},
		{tagImageLength, dtLong, 1, longs(r.Height)},
		{tagBitsPerSample, dtShort, 1, shorts(64)},
		{tagCompression, dtShort, 1, shorts(compressionDeflate)},
		{tagPhotometric, dtShort, 1, shorts(1)},
		{tagStripOffsets, dtLong, len(offsets), longs(offsets...)},
		{tagSamplesPerPixel, dtShort, 1, shorts(1)},
		{tagRowsPerStrip, dtLong, 1, longs(writeRowsPerStrip)},
		{tagStripByteCounts, dtLong, len(counts), longs(counts...)},
		{tagPlanarConfig, dtShort, 1, shorts(1)},
		{tagSampleFormat, dtShort, 1, shorts(sampleFloat)},
	}

	gt := r.Transform
	if r.NorthUp() {
		entries = append(entries,
			outEntry{tagModelPixelScale, dtDouble, 3, doubles(gt[1], -gt[5], 0)},
			outEntry{tagModelTiepoint, dtDouble, 6, doubles(0, 0, 0, gt[0], gt[3], 0)},
		)
	} else {
		entries = append(entries, outEntry{tagModelTransformation, dtDouble, 16, doubles(
			gt[1], gt[2], 0, gt[0],
			gt[4], gt[5], 0, gt[3],
			0, 0, 0, 0,
			0, 0, 0, 1,
		)})
	}

	if r.EPSG > 0 || r.Geographic {
		model, key := modelTypeProjected, keyProjectedType
		if r.Geographic {
			model, key = modelTypeGeographic, keyGeographicType
		}
		epsg := r.EPSG
		if epsg == 0 {
			epsg = userDefined
		}
		dir := []int{1, 1, 0, 3,
			keyModelType, 0, 1, model,
			keyRasterType, 0, 1, 1,
			key, 0, 1, epsg,
		}
		entries = append(entries, outEntry{tagGeoKeyDirectory, dtShort, len(dir), shorts(dir...)})
	}

	if r.HasNoData {
		s := strconv.FormatFloat(r.NoData, 'g', -1, 64) + "\x00"
		entries = append(entries, outEntry{tagGDALNoData, dtASCII, len(s), []byte(s)})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Out-of-line values go before the IFD.
	valueOffsets := make([]int, len(entries))
	for i, e := range entries {
		if len(e.data) <= 4 {
			continue
		}
		valueOffsets[i] = buf.Len()
		buf.Write(e.data)
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	ifd := buf.Len()
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(entries)))
	for i, e := range entries {
		var rec [12]byte
		binary.LittleEndian.PutUint16(rec[0:], e.tag)
		binary.LittleEndian.PutUint16(rec[2:], e.typ)
		binary.LittleEndian.PutUint32(rec[4:], uint32(e.count))
		if len(e.data) <= 4 {
			copy(rec[8:], e.data)
		} else {
			binary.LittleEndian.PutUint32(rec[8:], uint32(valueOffsets[i]))
		}
		buf.Write(rec[:])
	}
	buf.Write([]byte{0, 0, 0, 0})

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[4:8], uint32(ifd))
	if _, err := w.Write(out); err != nil {
		return eris.Wrap(err, "raster: write geotiff")
	}
	return nil
}
