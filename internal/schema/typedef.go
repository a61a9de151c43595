package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// ObjectSuffix marks a path element that names a single object: the
	// per-id directory holding its versions, or an index marker file.
	ObjectSuffix = ".obj"
	// VersionExt is the extension of version files.
	VersionExt = ".json"
	// IndexDir is the directory below the type path that holds index markers.
	IndexDir = "_indexes"
)

// FieldErrors maps a field name to the error codes raised for it.
type FieldErrors map[string][]string

// Add records code for field.
func (fe FieldErrors) Add(field, code string) {
	fe[field] = append(fe[field], code)
}

// Merge copies all codes from other into fe.
func (fe FieldErrors) Merge(other FieldErrors) {
	for f, codes := range other {
		fe[f] = append(fe[f], codes...)
	}
}

// Validator checks a candidate object. current is the stored object being
// replaced, or nil on create.
type Validator func(obj, current *Object) FieldErrors

// Field configures a single domain field.
type Field struct {
	Normalize   func(string) string // Applied to string values before indexing and uniqueness checks
	IndexLevels int                 // Hash-prefix directories between the field index and the value
	Secret      bool                // Removed from read results unless redaction is disabled
	Transient   bool                // Never persisted
}

// Index declares an indexed field.
type Index struct {
	Field  string
	Unique bool
}

// TypeDef describes one object type: where it lives and how it is indexed.
type TypeDef struct {
	Name           string
	IDField        string // Field carrying the logical id, if any
	GenerateIDs    bool   // Assign a random id on create when none is resolvable
	IDLevels       int    // Hash-prefix directories between the type path and object directories
	Fields         map[string]Field
	Indexes        []Index
	MinWrites      int // Backends that must confirm a write; 0 means all
	MaxVersions    int // Version files kept per backend; 0 means unlimited
	MaxObjectBytes int64
	Scope          string // Backend scope this type replicates to; empty means all
	Singleton      string // Fixed id for single-instance types
	Validator      Validator
}

// Check reports configuration errors in td.
func (td *TypeDef) Check() error {
	if td.Name == "" {
		return errors.New("type name is required")
	}
	if strings.ContainsAny(td.Name, "/\\") || strings.HasPrefix(td.Name, "_") || strings.HasPrefix(td.Name, ".") {
		return fmt.Errorf("invalid type name %q", td.Name)
	}
	if td.MinWrites < 0 || td.MaxVersions < 0 || td.IDLevels < 0 || td.MaxObjectBytes < 0 {
		return fmt.Errorf("type %s: negative limits are not allowed", td.Name)
	}
	seen := make(map[string]bool, len(td.Indexes))
	for _, idx := range td.Indexes {
		if idx.Field == "" {
			return fmt.Errorf("type %s: index without field", td.Name)
		}
		if seen[idx.Field] {
			return fmt.Errorf("type %s: duplicate index on %s", td.Name, idx.Field)
		}
		seen[idx.Field] = true
		if f, ok := td.Fields[idx.Field]; ok && f.Transient {
			return fmt.Errorf("type %s: transient field %s cannot be indexed", td.Name, idx.Field)
		}
	}
	return nil
}

// ID resolves the logical id of obj.
func (td *TypeDef) ID(obj *Object) string {
	if obj == nil {
		return ""
	}
	if obj.Meta.ID != "" {
		return obj.Meta.ID
	}
	if td.IDField != "" {
		if v, ok := obj.Get(td.IDField); ok {
			if s, ok := scalarString(v); ok {
				return s
			}
		}
	}
	if td.Singleton != "" {
		return td.Singleton
	}
	return ""
}

// NewID returns a random id for types with GenerateIDs set.
func (td *TypeDef) NewID() string {
	return uuid.NewString()
}

// NewMeta returns metadata for a freshly created object.
func (td *TypeDef) NewMeta(id string) Meta {
	now := time.Now().UTC()
	return Meta{ID: id, Version: NewVersion(), CTime: now, MTime: now}
}

// Validate runs the configured validator.
func (td *TypeDef) Validate(obj, current *Object) FieldErrors {
	if td.Validator == nil {
		return nil
	}
	fe := td.Validator(obj, current)
	if len(fe) == 0 {
		return nil
	}
	return fe
}

// Tombstone returns the removal marker for obj: its metadata flagged as
// removed, with every domain field except the id field stripped.
func (td *TypeDef) Tombstone(obj *Object) *Object {
	t := &Object{Meta: obj.Meta, Fields: make(map[string]any)}
	t.Meta.Removed = true
	if td.IDField != "" {
		if v, ok := obj.Get(td.IDField); ok {
			t.Fields[td.IDField] = v
		}
	}
	return t
}

// IsTombstone reports whether obj is a removal marker.
func (td *TypeDef) IsTombstone(obj *Object) bool {
	return obj.IsTombstone()
}

// HasRedactions reports whether any field is secret.
func (td *TypeDef) HasRedactions() bool {
	for _, f := range td.Fields {
		if f.Secret {
			return true
		}
	}
	return false
}

// Redact returns a copy of obj without secret fields.
func (td *TypeDef) Redact(obj *Object) *Object {
	c := obj.Clone()
	for name, f := range td.Fields {
		if f.Secret {
			delete(c.Fields, name)
		}
	}
	return c
}

// StripTransient returns a copy of obj without transient fields.
func (td *TypeDef) StripTransient(obj *Object) *Object {
	c := obj.Clone()
	for name, f := range td.Fields {
		if f.Transient {
			delete(c.Fields, name)
		}
	}
	return c
}

// TypePath is the root directory of the type.
func (td *TypeDef) TypePath() string {
	return td.Name
}

// GeneralPath is the directory holding every version of id.
func (td *TypeDef) GeneralPath(id string) string {
	parts := append([]string{td.Name}, shards(id, td.IDLevels)...)
	parts = append(parts, escape(id)+ObjectSuffix)
	return path.Join(parts...)
}

// SpecificPath is the version file path of obj.
func (td *TypeDef) SpecificPath(obj *Object) string {
	return td.VersionPath(obj.Meta.ID, obj.Meta.Version)
}

// VersionPath is the file path of one version of id.
func (td *TypeDef) VersionPath(id, version string) string {
	return td.GeneralPath(id) + "/" + version + VersionExt
}

// IsSpecificPath reports whether p names a version file.
func (td *TypeDef) IsSpecificPath(p string) bool {
	_, ok := VersionFromPath(p)
	return ok
}

// VersionFromPath extracts the version stamp from a version file path.
func VersionFromPath(p string) (string, bool) {
	base := path.Base(p)
	if !strings.HasSuffix(base, VersionExt) {
		return "", false
	}
	v := strings.TrimSuffix(base, VersionExt)
	return v, IsVersion(v)
}

// IndexRoot is the directory holding all markers of field.
func (td *TypeDef) IndexRoot(field string) string {
	return path.Join(td.Name, IndexDir, escape(field))
}

// IndexLevels returns the nesting depth configured for field.
func (td *TypeDef) IndexLevels(field string) int {
	return td.Fields[field].IndexLevels
}

// IndexPath is the directory holding the markers of every id whose field
// has the given normalised value.
func (td *TypeDef) IndexPath(field, normalized string) string {
	parts := append([]string{td.IndexRoot(field)}, shards(normalized, td.IndexLevels(field))...)
	parts = append(parts, escape(normalized))
	return path.Join(parts...)
}

// IndexSpecificPath is the marker path of obj for field. It reports false
// when obj has no value for field.
func (td *TypeDef) IndexSpecificPath(field string, obj *Object) (string, bool) {
	v, _ := obj.Get(field)
	norm, ok := td.Normalize(field, v)
	if !ok {
		return "", false
	}
	return td.IndexPath(field, norm) + "/" + escape(obj.Meta.ID) + ObjectSuffix, true
}

// IsLeaf reports whether a path element names an object.
func IsLeaf(name string) bool {
	return strings.HasSuffix(path.Base(name), ObjectSuffix)
}

// IDFromPath recovers the logical id from an object directory or marker path.
func (td *TypeDef) IDFromPath(p string) (string, error) {
	base := path.Base(p)
	if !strings.HasSuffix(base, ObjectSuffix) {
		return "", fmt.Errorf("not an object path: %s", p)
	}
	return url.PathUnescape(strings.TrimSuffix(base, ObjectSuffix))
}

// Normalize turns a field value into the string used for index paths and
// uniqueness checks. It reports false for null and empty values.
func (td *TypeDef) Normalize(field string, v any) (string, bool) {
	s, ok := scalarString(v)
	if !ok {
		return "", false
	}
	if _, isString := v.(string); isString {
		if fn := td.Fields[field].Normalize; fn != nil {
			s = fn(s)
		}
	}
	if s == "" {
		return "", false
	}
	return s, true
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func escape(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ".", "%2E")
}

func shards(s string, levels int) []string {
	if levels <= 0 {
		return nil
	}
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if levels > len(h)/2 {
		levels = len(h) / 2
	}
	out := make([]string, levels)
	for i := range out {
		out[i] = h[i*2 : i*2+2]
	}
	return out
}
