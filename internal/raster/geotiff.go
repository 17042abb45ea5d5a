package raster

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/rotisserie/eris"
	"golang.org/x/image/tiff/lzw"
)

// TIFF tags read or written by this package.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339

	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNoData          = 42113
)

// GeoKeys.
const (
	keyModelType      = 1024
	keyRasterType     = 1025
	keyGeographicType = 2048
	keyProjectedType  = 3072

	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsPoint  = 2
	userDefined         = 32767
)

const (
	compressionNone     = 1
	compressionLZW      = 5
	compressionDeflate  = 8
	compressionPackBits = 32773
	compressionDeflateO = 32946
)

const (
	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

// TIFF field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
)

var typeSizes = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtUndefined: 1, dtSShort: 2, dtSLong: 4, dtSRational: 8,
	dtFloat: 4, dtDouble: 8,
}

type ifdEntry struct {
	typ   uint16
	count int
	raw   []byte
}

type tiffFile struct {
	data    []byte
	order   binary.ByteOrder
	entries map[uint16]ifdEntry
}

// parseTIFF reads the header and first IFD of a classic TIFF.
func parseTIFF(data []byte) (*tiffFile, error) {
	if len(data) < 8 {
		return nil, eris.New("raster: file too short for a TIFF header")
	}
	t := &tiffFile{data: data, entries: make(map[uint16]ifdEntry)}
	switch string(data[:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return nil, eris.New("raster: not a TIFF file")
	}
	switch t.order.Uint16(data[2:4]) {
	case 42:
	case 43:
		return nil, eris.New("raster: BigTIFF is not supported")
	default:
		return nil, eris.New("raster: bad TIFF magic number")
	}

	off := int(t.order.Uint32(data[4:8]))
	if off+2 > len(data) {
		return nil, eris.New("raster: IFD offset out of range")
	}
	n := int(t.order.Uint16(data[off:]))
	if off+2+12*n > len(data) {
		return nil, eris.New("raster: truncated IFD")
	}
	for i := 0; i < n; i++ {
		e := data[off+2+12*i : off+2+12*(i+1)]
		tag := t.order.Uint16(e[0:2])
		typ := t.order.Uint16(e[2:4])
		count := int(t.order.Uint32(e[4:8]))
		size, ok := typeSizes[typ]
		if !ok {
			continue
		}
		total := size * count
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			vo := int(t.order.Uint32(e[8:12]))
			if vo < 0 || vo+total > len(data) {
				return nil, eris.Errorf("raster: tag %d value out of range", tag)
			}
			raw = data[vo : vo+total]
		}
		t.entries[tag] = ifdEntry{typ: typ, count: count, raw: raw}
	}
	return t, nil
}

func (t *tiffFile) has(tag uint16) bool {
	_, ok := t.entries[tag]
	return ok
}

// floats returns the values of tag as float64, or nil when absent.
func (t *tiffFile) floats(tag uint16) []float64 {
	e, ok := t.entries[tag]
	if !ok {
		return nil
	}
	out := make([]float64, 0, e.count)
	o := t.order
	for i := 0; i < e.count; i++ {
		var v float64
		switch e.typ {
		case dtByte, dtUndefined, dtASCII:
			v = float64(e.raw[i])
		case dtSByte:
			v = float64(int8(e.raw[i]))
		case dtShort:
			v = float64(o.Uint16(e.raw[2*i:]))
		case dtSShort:
			v = float64(int16(o.Uint16(e.raw[2*i:])))
		case dtLong:
			v = float64(o.Uint32(e.raw[4*i:]))
		case dtSLong:
			v = float64(int32(o.Uint32(e.raw[4*i:])))
		case dtRational:
			num, den := o.Uint32(e.raw[8*i:]), o.Uint32(e.raw[8*i+4:])
			if den != 0 {
				v = float64(num) / float64(den)
			}
		case dtSRational:
			num, den := int32(o.Uint32(e.raw[8*i:])), int32(o.Uint32(e.raw[8*i+4:]))
			if den != 0 {
				v = float64(num) / float64(den)
			}
		case dtFloat:
			v = float64(math.Float32frombits(o.Uint32(e.raw[4*i:])))
		case dtDouble:
			v = math.Float64frombits(o.Uint64(e.raw[8*i:]))
		}
		out = append(out, v)
	}
	return out
}

func (t *tiffFile) ints(tag uint16) []int {
	fs := t.floats(tag)
	if fs == nil {
		return nil
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f)
	}
	return out
}

func (t *tiffFile) int(tag uint16, def int) int {
	v := t.ints(tag)
	if len(v) == 0 {
		return def
	}
	return v[0]
}

func (t *tiffFile) ascii(tag uint16) string {
	e, ok := t.entries[tag]
	if !ok || e.typ != dtASCII {
		return ""
	}
	return strings.TrimRight(string(e.raw), "\x00")
}

// layout is the validated image structure of band 1.
type layout struct {
	width, height  int
	bps            int
	format         int
	compression    int
	predictor      int
	samplesInChunk int
	chunkW, chunkH int
	across         int
	tiled          bool
	offsets        []int
	counts         []int
}

func (t *tiffFile) layout() (*layout, error) {
	l := &layout{
		width:       t.int(tagImageWidth, 0),
		height:      t.int(tagImageLength, 0),
		format:      t.int(tagSampleFormat, sampleUint),
		compression: t.int(tagCompression, compressionNone),
		predictor:   t.int(tagPredictor, 1),
	}
	if l.width <= 0 || l.height <= 0 {
		return nil, eris.New("raster: missing image dimensions")
	}
	l.bps = t.int(tagBitsPerSample, 1)
	switch l.bps {
	case 8, 16, 32, 64:
	default:
		return nil, eris.Errorf("raster: unsupported bits per sample %d", l.bps)
	}
	switch l.format {
	case sampleUint, sampleInt:
	case sampleFloat:
		if l.bps != 32 && l.bps != 64 {
			return nil, eris.Errorf("raster: unsupported float width %d", l.bps)
		}
	default:
		return nil, eris.Errorf("raster: unsupported sample format %d", l.format)
	}
	switch l.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateO, compressionPackBits:
	default:
		return nil, eris.Errorf("raster: unsupported compression %d", l.compression)
	}
	if l.predictor < 1 || l.predictor > 3 {
		return nil, eris.Errorf("raster: unsupported predictor %d", l.predictor)
	}

	spp := t.int(tagSamplesPerPixel, 1)
	planar := t.int(tagPlanarConfig, 1)
	l.samplesInChunk = spp
	if planar == 2 {
		l.samplesInChunk = 1
	}

	if t.has(tagTileWidth) {
		l.tiled = true
		l.chunkW = t.int(tagTileWidth, 0)
		l.chunkH = t.int(tagTileLength, 0)
		l.offsets = t.ints(tagTileOffsets)
		l.counts = t.ints(tagTileByteCounts)
	} else {
		l.chunkW = l.width
		l.chunkH = t.int(tagRowsPerStrip, l.height)
		if l.chunkH <= 0 || l.chunkH > l.height {
			l.chunkH = l.height
		}
		l.offsets = t.ints(tagStripOffsets)
		l.counts = t.ints(tagStripByteCounts)
	}
	if l.chunkW <= 0 || l.chunkH <= 0 {
		return nil, eris.New("raster: invalid strip or tile size")
	}
	l.across = (l.width + l.chunkW - 1) / l.chunkW
	down := (l.height + l.chunkH - 1) / l.chunkH
	need := l.across * down
	if len(l.offsets) < need || len(l.counts) < need {
		return nil, eris.Errorf("raster: expected %d data chunks, found %d", need, len(l.offsets))
	}
	// Planar files list band 1 first.
	l.offsets, l.counts = l.offsets[:need], l.counts[:need]
	return l, nil
}

// Decode parses a GeoTIFF and returns band 1 as float64 samples.
func Decode(data []byte) (*Raster, error) {
	t, err := parseTIFF(data)
	if err != nil {
		return nil, err
	}
	l, err := t.layout()
	if err != nil {
		return nil, err
	}
	g, err := t.grid()
	if err != nil {
		return nil, err
	}
	g.Width, g.Height = l.width, l.height

	r, err := New(g)
	if err != nil {
		return nil, err
	}
	if s := strings.TrimSpace(t.ascii(tagGDALNoData)); s != "" {
		nd, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return nil, eris.Wrapf(perr, "raster: parse nodata %q", s)
		}
		r.SetNoData(nd)
	}

	bytesPer := l.bps / 8
	for k := range l.offsets {
		cx, cy := k%l.across, k/l.across
		rows := l.chunkH
		if !l.tiled && (cy+1)*l.chunkH > l.height {
			rows = l.height - cy*l.chunkH
		}
		rowBytes := l.chunkW * l.samplesInChunk * bytesPer
		buf, err := t.chunk(l, k, rowBytes*rows)
		if err != nil {
			return nil, eris.Wrapf(err, "raster: read chunk %d", k)
		}

		order := t.order
		switch l.predictor {
		case 2:
			if l.format == sampleFloat {
				return nil, eris.New("raster: horizontal predictor on float samples")
			}
			undoHorizontal(buf, rows, rowBytes, l.samplesInChunk, bytesPer, order)
		case 3:
			undoFloatPredictor(buf, rows, rowBytes, l.samplesInChunk, bytesPer)
			order = binary.BigEndian
		}

		for y := 0; y < rows; y++ {
			gy := cy*l.chunkH + y
			if gy >= l.height {
				break
			}
			for x := 0; x < l.chunkW; x++ {
				gx := cx*l.chunkW + x
				if gx >= l.width {
					break
				}
				pos := y*rowBytes + x*l.samplesInChunk*bytesPer
				r.Data[gy*l.width+gx] = sample(buf[pos:], order, l.format, l.bps)
			}
		}
	}
	return r, nil
}

// chunk returns the decompressed bytes of chunk k, at least want bytes long.
func (t *tiffFile) chunk(l *layout, k, want int) ([]byte, error) {
	off, n := l.offsets[k], l.counts[k]
	if off < 0 || n < 0 || off+n > len(t.data) {
		return nil, eris.New("raster: chunk out of range")
	}
	src := t.data[off : off+n]

	var out []byte
	switch l.compression {
	case compressionNone:
		out = src
	case compressionDeflate, compressionDeflateO:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, eris.Wrap(err, "raster: open deflate stream")
		}
		defer zr.Close() //nolint:errcheck
		out, err = io.ReadAll(io.LimitReader(zr, int64(want)))
		if err != nil {
			return nil, eris.Wrap(err, "raster: inflate chunk")
		}
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(src), lzw.MSB, 8)
		defer lr.Close() //nolint:errcheck
		var err error
		out, err = io.ReadAll(io.LimitReader(lr, int64(want)))
		if err != nil && len(out) < want {
			return nil, eris.Wrap(err, "raster: decode LZW chunk")
		}
	case compressionPackBits:
		out = unpackBits(src, want)
	}
	if len(out) < want {
		return nil, eris.Errorf("raster: chunk has %d bytes, want %d", len(out), want)
	}
	// Callers modify the buffer in place when undoing predictors.
	if l.compression == compressionNone {
		out = append([]byte(nil), out[:want]...)
	}
	return out, nil
}

func unpackBits(src []byte, want int) []byte {
	out := make([]byte, 0, want)
	for i := 0; i < len(src) && len(out) < want; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			end := i + n + 1
			if end > len(src) {
				end = len(src)
			}
			out = append(out, src[i:end]...)
			i = end
		case n != -128:
			if i >= len(src) {
				return out
			}
			for j := 0; j < 1-n; j++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	return out
}

func undoHorizontal(buf []byte, rows, rowBytes, spp, bytesPer int, o binary.ByteOrder) {
	stride := spp * bytesPer
	for y := 0; y < rows; y++ {
		row := buf[y*rowBytes : (y+1)*rowBytes]
		for p := stride; p+bytesPer <= len(row); p += bytesPer {
			prev := p - stride
			switch bytesPer {
			case 1:
				row[p] += row[prev]
			case 2:
				o.PutUint16(row[p:], o.Uint16(row[p:])+o.Uint16(row[prev:]))
			case 4:
				o.PutUint32(row[p:], o.Uint32(row[p:])+o.Uint32(row[prev:]))
			case 8:
				o.PutUint64(row[p:], o.Uint64(row[p:])+o.Uint64(row[prev:]))
			}
		}
	}
}

// undoFloatPredictor reverses TIFF predictor 3. The result is big-endian.
func undoFloatPredictor(buf []byte, rows, rowBytes, spp, bytesPer int) {
	tmp := make([]byte, rowBytes)
	n := rowBytes / bytesPer
	for y := 0; y < rows; y++ {
		row := buf[y*rowBytes : (y+1)*rowBytes]
		for i := spp; i < rowBytes; i++ {
			row[i] += row[i-spp]
		}
		copy(tmp, row)
		for i := 0; i < n; i++ {
			for b := 0; b < bytesPer; b++ {
				row[i*bytesPer+b] = tmp[b*n+i]
			}
		}
	}
}

func sample(b []byte, o binary.ByteOrder, format, bps int) float64 {
	switch format {
	case sampleFloat:
		if bps == 32 {
			return float64(math.Float32frombits(o.Uint32(b)))
		}
		return math.Float64frombits(o.Uint64(b))
	case sampleInt:
		switch bps {
		case 8:
			return float64(int8(b[0]))
		case 16:
			return float64(int16(o.Uint16(b)))
		case 32:
			return float64(int32(o.Uint32(b)))
		default:
			return float64(int64(o.Uint64(b)))
		}
	default:
		switch bps {
		case 8:
			return float64(b[0])
		case 16:
			return float64(o.Uint16(b))
		case 32:
			return float64(o.Uint32(b))
		default:
			return float64(o.Uint64(b))
		}
	}
}

// grid reads the georeferencing tags. Width and height are filled by the caller.
func (t *tiffFile) grid() (Grid, error) {
	g := Grid{Transform: GeoTransform{0, 1, 0, 0, 0, 1}}

	keys := t.geoKeys()
	switch {
	case t.has(tagModelTransformation):
		m := t.floats(tagModelTransformation)
		if len(m) < 16 {
			return g, eris.New("raster: short model transformation")
		}
		g.Transform = GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}
	case t.has(tagModelTiepoint) && t.has(tagModelPixelScale):
		tp := t.floats(tagModelTiepoint)
		sc := t.floats(tagModelPixelScale)
		if len(tp) < 6 || len(sc) < 2 {
			return g, eris.New("raster: short tiepoint or pixel scale")
		}
		g.Transform = GeoTransform{tp[3] - tp[0]*sc[0], sc[0], 0, tp[4] + tp[1]*sc[1], 0, -sc[1]}
	}
	if keys[keyRasterType] == rasterPixelIsPoint {
		gt := &g.Transform
		gt[0] -= gt[1]/2 + gt[2]/2
		gt[3] -= gt[4]/2 + gt[5]/2
	}

	if code := keys[keyProjectedType]; code > 0 && code != userDefined {
		g.EPSG = code
	} else if code := keys[keyGeographicType]; code > 0 && code != userDefined {
		g.EPSG = code
	}
	g.Geographic = keys[keyModelType] == modelTypeGeographic || IsGeographicEPSG(g.EPSG)
	return g, nil
}

// geoKeys returns the short-valued GeoKeys stored inline in the directory.
func (t *tiffFile) geoKeys() map[int]int {
	out := make(map[int]int)
	dir := t.ints(tagGeoKeyDirectory)
	if len(dir) < 4 {
		return out
	}
	n := dir[3]
	for i := 0; i < n && 4+4*i+3 < len(dir); i++ {
		e := dir[4+4*i : 8+4*i]
		if e[1] == 0 {
			out[e[0]] = e[3]
		}
	}
	return out
}
