// Package geo holds the vector data model shared by every engine stage:
// scalar property values, ordered property bags, features and collections,
// plus conversions between the codec geometry model (go-geom) and the
// polygon algebra model (ctessum/geom).
package geo

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/failure"
)

// Feature is a geometry with its attribute properties.
type Feature struct {
	ID         Value
	Geometry   geom.T
	Properties *Properties
}

// FeatureCollection is an ordered sequence of features.
type FeatureCollection struct {
	Features []Feature
	// Dropped counts features skipped during decoding because their geometry was malformed.
	Dropped int
}

// Len returns the number of features.
func (fc *FeatureCollection) Len() int {
	if fc == nil {
		return 0
	}
	return len(fc.Features)
}

// PropertiesList returns the property bags in feature order.
func (fc *FeatureCollection) PropertiesList() []*Properties {
	out := make([]*Properties, len(fc.Features))
	for i := range fc.Features {
		out[i] = fc.Features[i].Properties
	}
	return out
}

// Geometries returns the geometries in feature order.
func (fc *FeatureCollection) Geometries() []geom.T {
	out := make([]geom.T, len(fc.Features))
	for i := range fc.Features {
		out[i] = fc.Features[i].Geometry
	}
	return out
}

// FilterBy returns the features whose property key renders as value.
// The second result reports whether any feature matched.
func (fc *FeatureCollection) FilterBy(key, value string) (*FeatureCollection, bool) {
	out := &FeatureCollection{}
	for _, f := range fc.Features {
		v, ok := f.Properties.Get(key)
		if ok && v.String() == value {
			out.Features = append(out.Features, f)
		}
	}
	return out, len(out.Features) > 0
}

type featureJSON struct {
	Type       string          `json:"type"`
	ID         json.RawMessage `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

// MarshalJSON encodes f as a GeoJSON Feature.
func (f Feature) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"Feature"`)
	if !f.ID.IsNull() {
		id, err := f.ID.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"id":`)
		buf.Write(id)
	}
	buf.WriteString(`,"geometry":`)
	if f.Geometry == nil {
		buf.WriteString("null")
	} else {
		g, err := geojson.Marshal(f.Geometry)
		if err != nil {
			return nil, eris.Wrap(err, "geo: encode geometry")
		}
		buf.Write(g)
	}
	props := f.Properties
	if props == nil {
		props = NewProperties()
	}
	p, err := props.MarshalJSON()
	if err != nil {
		return nil, err
	}
	buf.WriteString(`,"properties":`)
	buf.Write(p)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a GeoJSON Feature. A geometry that cannot be decoded
// yields a MalformedGeometry error; a null geometry is kept as nil.
func (f *Feature) UnmarshalJSON(data []byte) error {
	var raw featureJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "geo: decode feature")
	}
	f.ID = Null()
	if len(raw.ID) > 0 {
		if err := f.ID.UnmarshalJSON(raw.ID); err != nil {
			return err
		}
	}
	f.Properties = NewProperties()
	if len(raw.Properties) > 0 {
		if err := f.Properties.UnmarshalJSON(raw.Properties); err != nil {
			return err
		}
	}
	f.Geometry = nil
	trimmed := bytes.TrimSpace(raw.Geometry)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var g geom.T
	if err := geojson.Unmarshal(trimmed, &g); err != nil {
		return failure.New(failure.MalformedGeometry, "geo.decode", f.ID.String(), err)
	}
	f.Geometry = g
	return nil
}

// MarshalJSON encodes fc as a GeoJSON FeatureCollection.
func (fc *FeatureCollection) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"FeatureCollection","features":[`)
	for i, f := range fc.Features {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := f.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a FeatureCollection, or a single Feature as a
// one-element collection. Features with malformed geometry are dropped and logged.
func (fc *FeatureCollection) UnmarshalJSON(data []byte) error {
	var head struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return eris.Wrap(err, "geo: decode feature collection")
	}

	raws := head.Features
	switch head.Type {
	case "FeatureCollection":
	case "Feature":
		raws = []json.RawMessage{data}
	default:
		return eris.Errorf("geo: unsupported GeoJSON type %q", head.Type)
	}

	log := zap.L().With(zap.String("component", "geo.decode"))
	fc.Features = make([]Feature, 0, len(raws))
	fc.Dropped = 0
	for i, raw := range raws {
		var f Feature
		if err := f.UnmarshalJSON(raw); err != nil {
			if failure.Is(err, failure.MalformedGeometry) {
				log.Warn("dropping feature with malformed geometry", zap.Int("index", i), zap.Error(err))
				fc.Dropped++
				continue
			}
			return eris.Wrapf(err, "geo: decode feature %d", i)
		}
		fc.Features = append(fc.Features, f)
	}
	return nil
}

// DecodeFeatureCollection reads a GeoJSON document from r.
func DecodeFeatureCollection(r io.Reader) (*FeatureCollection, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "geo: read GeoJSON")
	}
	fc := &FeatureCollection{}
	if err := fc.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return fc, nil
}

// EncodeFeatureCollection writes fc as GeoJSON to w.
func EncodeFeatureCollection(w io.Writer, fc *FeatureCollection) error {
	b, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return eris.Wrap(err, "geo: write GeoJSON")
	}
	return nil
}
