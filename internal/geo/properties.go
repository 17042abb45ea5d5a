package geo

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Properties is an insertion-ordered mapping of property names to scalar values.
type Properties struct {
	keys []string
	vals map[string]Value
}

// NewProperties returns an empty Properties.
func NewProperties() *Properties {
	return &Properties{vals: make(map[string]Value)}
}

// PropertiesOf builds Properties from alternating key/value pairs.
func PropertiesOf(kv ...any) *Properties {
	p := NewProperties()
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		p.Set(k, ValueOf(kv[i+1]))
	}
	return p
}

// Len returns the number of keys.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns the keys in insertion order.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Get returns the value stored under k.
func (p *Properties) Get(k string) (Value, bool) {
	if p == nil {
		return Null(), false
	}
	v, ok := p.vals[k]
	return v, ok
}

// Has reports whether k is present.
func (p *Properties) Has(k string) bool {
	_, ok := p.Get(k)
	return ok
}

// Set stores v under k. A new key is appended; an existing key keeps its position.
func (p *Properties) Set(k string, v Value) {
	if p.vals == nil {
		p.vals = make(map[string]Value)
	}
	if _, ok := p.vals[k]; !ok {
		p.keys = append(p.keys, k)
	}
	p.vals[k] = v
}

// Delete removes k.
func (p *Properties) Delete(k string) {
	if _, ok := p.vals[k]; !ok {
		return
	}
	delete(p.vals, k)
	for i, key := range p.keys {
		if key == k {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			return
		}
	}
}

// Range calls fn for each entry in order until fn returns false.
func (p *Properties) Range(fn func(k string, v Value) bool) {
	if p == nil {
		return
	}
	for _, k := range p.keys {
		if !fn(k, p.vals[k]) {
			return
		}
	}
}

// Clone returns a copy that shares nothing with p.
func (p *Properties) Clone() *Properties {
	out := NewProperties()
	p.Range(func(k string, v Value) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// Merge copies every entry of o into p, in o's order.
func (p *Properties) Merge(o *Properties) {
	o.Range(func(k string, v Value) bool {
		p.Set(k, v)
		return true
	})
}

// MarshalJSON writes an object with keys in insertion order.
func (p *Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	var err error
	i := 0
	p.Range(func(k string, v Value) bool {
		if i > 0 {
			buf.WriteByte(',')
		}
		i++
		var kb, vb []byte
		if kb, err = json.Marshal(k); err != nil {
			return false
		}
		if vb, err = v.MarshalJSON(); err != nil {
			return false
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return true
	})
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode properties")
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keeping its key order. null yields empty properties.
func (p *Properties) UnmarshalJSON(data []byte) error {
	*p = Properties{vals: make(map[string]Value)}
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "geo: read properties")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.Errorf("geo: properties must be an object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "geo: read property key")
		}
		key, ok := tok.(string)
		if !ok {
			return eris.Errorf("geo: unexpected property key %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return eris.Wrapf(err, "geo: read property %q", key)
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return eris.Wrapf(err, "geo: decode property %q", key)
		}
		p.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "geo: close properties")
	}
	return nil
}
