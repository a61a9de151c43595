package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
)

// FindByOptions controls FindBy.
type FindByOptions struct {
	FindOptions
	// First stops the search at the first match.
	First bool
}

// BackendVersions is the version history of one id on one backend.
type BackendVersions struct {
	Backend  string
	Versions []*schema.Object // Oldest first
	Err      error
}

// FindByID returns the newest version of id.
func (r *Repository) FindByID(ctx context.Context, id string, opts ReadOptions) (obj *schema.Object, err error) {
	defer func(start time.Time) { r.observe("find_by_id", start, err) }(time.Now())
	return r.readLatest(ctx, id, opts)
}

// SafeFindByID is FindByID returning nil instead of an error.
func (r *Repository) SafeFindByID(ctx context.Context, id string, opts ReadOptions) *schema.Object {
	obj, err := r.FindByID(ctx, id, opts)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Debug().Err(err).Str("id", id).Msg("find by id failed")
		}
		return nil
	}
	return obj
}

// Exists reports whether id holds a live object.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	obj, err := r.reconcile(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !obj.IsTombstone(), nil
}

// FindSingleton returns the object of a singleton type.
func (r *Repository) FindSingleton(ctx context.Context, opts ReadOptions) (*schema.Object, error) {
	if r.td.Singleton == "" {
		return nil, &OrmError{Type: r.td.Name, Message: "type is not a singleton"}
	}
	return r.FindByID(ctx, r.td.Singleton, opts)
}

// FindVersionsByID lists every stored version of id per backend. A backend
// that fails reports its error in place of versions; the call fails only if
// no backend holds any version.
func (r *Repository) FindVersionsByID(ctx context.Context, id string, opts ReadOptions) ([]BackendVersions, error) {
	backends, err := r.backends(ctx)
	if err != nil {
		return nil, err
	}
	dir := r.td.GeneralPath(id)

	results := fanOut(ctx, backends, func(ctx context.Context, b storage.Backend) ([]*schema.Object, error) {
		entries, err := b.List(ctx, dir, storage.ListOptions{})
		if errors.Is(err, storage.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var paths []string
		for _, e := range entries {
			if p := dir + "/" + e.Name; !e.IsDir() && r.td.IsSpecificPath(p) {
				paths = append(paths, p)
			}
		}
		sort.Strings(paths)

		versions := make([]*schema.Object, 0, len(paths))
		for _, p := range paths {
			data, err := b.ReadFile(ctx, p)
			if err != nil {
				return versions, fmt.Errorf("read %s: %w", p, err)
			}
			obj, err := schema.Decode(data)
			if err != nil {
				return versions, fmt.Errorf("decode %s: %w", p, err)
			}
			if !opts.NoRedact {
				obj = r.td.Redact(obj)
			}
			versions = append(versions, obj)
		}
		return versions, nil
	})

	out := make([]BackendVersions, len(results))
	total := 0
	for i, res := range results {
		out[i] = BackendVersions{Backend: res.Backend.Name(), Versions: res.Value, Err: res.Err}
		total += len(res.Value)
	}
	if total == 0 {
		return out, &NotFoundError{Type: r.td.Name, ID: id}
	}
	return out, nil
}

// Find returns every object of the type accepted by opts.
func (r *Repository) Find(ctx context.Context, opts FindOptions) (objs []*schema.Object, err error) {
	defer func(start time.Time) { r.observe("find", start, err) }(time.Now())
	return r.search(ctx, r.td.TypePath(), r.td.IDLevels > 0, opts, false, nil)
}

// FindAll returns every live object.
func (r *Repository) FindAll(ctx context.Context) ([]*schema.Object, error) {
	return r.Find(ctx, FindOptions{})
}

// FindAllIncludingRemoved returns every object, tombstones included.
func (r *Repository) FindAllIncludingRemoved(ctx context.Context) ([]*schema.Object, error) {
	return r.Find(ctx, FindOptions{Removed: true})
}

// FindBy returns the objects whose indexed field has value.
func (r *Repository) FindBy(ctx context.Context, field string, value any, opts FindByOptions) (objs []*schema.Object, err error) {
	defer func(start time.Time) { r.observe("find_by", start, err) }(time.Now())

	if !r.indexed(field) {
		return nil, &OrmError{Type: r.td.Name, Message: "field " + field + " is not indexed"}
	}
	norm, ok := r.td.Normalize(field, value)
	if !ok {
		return nil, nil
	}
	return r.findByNormalized(ctx, field, norm, opts.FindOptions, opts.First)
}

// SafeFindBy is FindBy returning nil instead of an error.
func (r *Repository) SafeFindBy(ctx context.Context, field string, value any, opts FindByOptions) []*schema.Object {
	objs, err := r.FindBy(ctx, field, value, opts)
	if err != nil {
		r.logger.Debug().Err(err).Str("field", field).Msg("find by field failed")
		return nil
	}
	return objs
}

// SafeFindFirstBy returns one object whose indexed field has value, or nil.
func (r *Repository) SafeFindFirstBy(ctx context.Context, field string, value any, opts FindOptions) *schema.Object {
	objs := r.SafeFindBy(ctx, field, value, FindByOptions{FindOptions: opts, First: true})
	if len(objs) == 0 {
		return nil
	}
	return objs[0]
}

// ExistsWith reports whether a live object has value in an indexed field.
func (r *Repository) ExistsWith(ctx context.Context, field string, value any) (bool, error) {
	objs, err := r.FindBy(ctx, field, value, FindByOptions{FindOptions: FindOptions{NoRedact: true}, First: true})
	if err != nil {
		return false, err
	}
	return len(objs) > 0, nil
}

// findByNormalized searches the markers of one normalised value. A marker
// counts only while the object it names still carries the value.
func (r *Repository) findByNormalized(ctx context.Context, field, norm string, opts FindOptions, first bool) ([]*schema.Object, error) {
	match := func(obj *schema.Object) bool {
		v, _ := obj.Get(field)
		got, ok := r.td.Normalize(field, v)
		return ok && got == norm
	}
	return r.search(ctx, r.td.IndexPath(field, norm), false, opts, first, match)
}

func (r *Repository) indexed(field string) bool {
	for _, idx := range r.td.Indexes {
		if idx.Field == field {
			return true
		}
	}
	return false
}
