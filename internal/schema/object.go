// Package schema describes stored objects and the type definitions that map
// them onto storage paths: ids, version stamps, index markers, redaction and
// tombstones.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MetaKey is the reserved top-level key holding an object's metadata.
const MetaKey = "_meta"

// Meta is the metadata block carried by every stored object.
type Meta struct {
	ID      string    `json:"id"`
	Version string    `json:"version"`
	CTime   time.Time `json:"ctime"`
	MTime   time.Time `json:"mtime"`
	Removed bool      `json:"removed,omitempty"`
}

// Object is a stored entity: a metadata block plus free-form domain fields.
type Object struct {
	Meta   Meta
	Fields map[string]any
}

// New returns an object holding a copy of fields and an empty Meta.
func New(fields map[string]any) *Object {
	o := &Object{Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		if k == MetaKey {
			continue
		}
		o.Fields[k] = deepCopy(v)
	}
	return o
}

// Get returns a field value.
func (o *Object) Get(field string) (any, bool) {
	if o == nil || o.Fields == nil {
		return nil, false
	}
	v, ok := o.Fields[field]
	return v, ok
}

// Set assigns a field value.
func (o *Object) Set(field string, v any) {
	if o.Fields == nil {
		o.Fields = make(map[string]any)
	}
	o.Fields[field] = v
}

// IsTombstone reports whether the object marks a removed id.
func (o *Object) IsTombstone() bool {
	return o != nil && o.Meta.Removed
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := New(o.Fields)
	c.Meta = o.Meta
	return c
}

// MarshalJSON encodes the object as {"_meta": {...}, <fields>}. Keys are
// sorted, so equal objects always encode to equal bytes.
func (o *Object) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Fields)+1)
	for k, v := range o.Fields {
		if k == MetaKey {
			continue
		}
		out[k] = v
	}
	out[MetaKey] = o.Meta
	return json.Marshal(out)
}

// UnmarshalJSON decodes the format written by MarshalJSON. Numbers are kept as
// json.Number so re-encoding does not alter them.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	metaRaw, ok := raw[MetaKey]
	if !ok {
		return fmt.Errorf("missing %s block", MetaKey)
	}
	delete(raw, MetaKey)

	metaJSON, err := json.Marshal(metaRaw)
	if err != nil {
		return fmt.Errorf("re-encode %s: %w", MetaKey, err)
	}
	var meta Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return fmt.Errorf("decode %s: %w", MetaKey, err)
	}

	o.Meta = meta
	o.Fields = raw
	return nil
}

// Encode returns the canonical bytes of o.
func Encode(o *Object) ([]byte, error) {
	return json.Marshal(o)
}

// Decode parses canonical bytes.
func Decode(data []byte) (*Object, error) {
	o := &Object{}
	if err := json.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return o, nil
}

// Merge deep-merges edited onto base and returns the result. Nested maps are
// merged key by key; every other value in edited replaces the one in base.
func Merge(base, edited map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(edited))
	for k, v := range base {
		out[k] = deepCopy(v)
	}
	for k, v := range edited {
		if k == MetaKey {
			continue
		}
		if em, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = Merge(bm, em)
				continue
			}
		}
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = deepCopy(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = deepCopy(vv)
		}
		return s
	default:
		return v
	}
}
