package repo

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
	"github.com/tunnelmesh/objrepo/testutil"
)

func userType() *schema.TypeDef {
	return &schema.TypeDef{
		Name:     "users",
		IDField:  "username",
		IDLevels: 1,
		Fields: map[string]schema.Field{
			"email":    {Normalize: strings.ToLower, IndexLevels: 2},
			"password": {Secret: true},
			"confirm":  {Transient: true},
		},
		Indexes: []schema.Index{
			{Field: "email", Unique: true},
			{Field: "city"},
		},
	}
}

func newFaulty(n int) ([]*storage.Faulty, []storage.Backend) {
	return testutil.FaultyMemory(n)
}

func newRepo(t *testing.T, td *schema.TypeDef, backends ...storage.Backend) *Repository {
	t.Helper()
	r, err := New(Config{Type: td, Backends: backends, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func user(name, email string, extra map[string]any) *schema.Object {
	fields := map[string]any{"username": name, "email": email}
	for k, v := range extra {
		fields[k] = v
	}
	return schema.New(fields)
}

func edit(base *schema.Object, fields map[string]any) *schema.Object {
	e := schema.New(fields)
	e.Meta = base.Meta
	return e
}

// versionFiles lists the version file paths of id on b, oldest first.
func versionFiles(t *testing.T, b storage.Backend, td *schema.TypeDef, id string) []string {
	t.Helper()
	dir := td.GeneralPath(id)
	entries, _ := b.List(context.Background(), dir, storage.ListOptions{})
	var out []string
	for _, e := range entries {
		if p := dir + "/" + e.Name; td.IsSpecificPath(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func markerExists(b storage.Backend, td *schema.TypeDef, field string, obj *schema.Object) bool {
	p, ok := td.IndexSpecificPath(field, obj)
	if !ok {
		return false
	}
	return storage.SafeMetadata(context.Background(), b, p) != nil
}
