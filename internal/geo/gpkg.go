package geo

import (
	"bytes"
	"encoding/binary"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// envelopeSizes maps the GeoPackage header envelope indicator to its byte length.
var envelopeSizes = map[byte]int{0: 0, 1: 32, 2: 48, 3: 48, 4: 64}

// DecodeGPKG decodes a GeoPackage geometry blob (GP header followed by WKB).
// It returns the geometry and the header's SRS id. Empty geometries decode to nil.
func DecodeGPKG(blob []byte) (geom.T, int32, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, 0, eris.New("geo: not a GeoPackage geometry blob")
	}
	flags := blob[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&0x01 == 1 {
		order = binary.LittleEndian
	}
	srsID := int32(order.Uint32(blob[4:8]))

	envSize, ok := envelopeSizes[(flags>>1)&0x07]
	if !ok {
		return nil, srsID, eris.Errorf("geo: invalid GeoPackage envelope indicator %d", (flags>>1)&0x07)
	}
	start := 8 + envSize
	if len(blob) < start {
		return nil, srsID, eris.New("geo: truncated GeoPackage header")
	}
	if flags&0x10 != 0 || len(blob) == start {
		return nil, srsID, nil
	}

	g, err := wkb.Unmarshal(blob[start:])
	if err != nil {
		return nil, srsID, eris.Wrap(err, "geo: decode WKB")
	}
	return g, srsID, nil
}

// EncodeGPKG writes g as a little-endian GeoPackage geometry blob with an xy envelope.
func EncodeGPKG(g geom.T, srsID int32) ([]byte, error) {
	body, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode WKB")
	}
	var buf bytes.Buffer
	buf.Write([]byte{'G', 'P', 0, 0x01 | 1<<1})
	_ = binary.Write(&buf, binary.LittleEndian, srsID)
	b, ok := BoundsOf(g)
	if !ok {
		b = BBox{}
	}
	for _, v := range []float64{b.MinX, b.MaxX, b.MinY, b.MaxY} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.Write(body)
	return buf.Bytes(), nil
}
