package repo

import (
	"context"
	"errors"

	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
)

// Field error codes.
const (
	CodeRequired  = "required"
	CodeExists    = "exists"
	CodeTooLarge  = "too_large"
	CodeImmutable = "immutable"
)

// ObjectField keys errors that concern the whole object.
const ObjectField = "_object"

// syncIndexes moves the index markers on b from prev to obj. Tombstones hold
// no markers. Marker failures are logged; searches verify hits against the
// object itself, so a stale marker only costs a read.
func (r *Repository) syncIndexes(ctx context.Context, b storage.Backend, obj, prev *schema.Object) {
	for _, idx := range r.td.Indexes {
		newPath, hasNew := "", false
		if !obj.IsTombstone() {
			newPath, hasNew = r.td.IndexSpecificPath(idx.Field, obj)
		}

		if prev != nil && !prev.IsTombstone() {
			if oldPath, ok := r.td.IndexSpecificPath(idx.Field, prev); ok && (!hasNew || oldPath != newPath) {
				if _, err := b.Remove(ctx, oldPath, storage.RemoveOptions{}); err != nil && !errors.Is(err, storage.ErrNotExist) {
					r.indexError(b, oldPath, "remove", err)
				}
			}
		}

		if hasNew && storage.SafeMetadata(ctx, b, newPath) == nil {
			if _, err := b.WriteFile(ctx, newPath, nil); err != nil {
				r.indexError(b, newPath, "write", err)
			}
		}
	}
}

// restoreIndexes moves markers on backends from a rolled back version obj
// back to prev. Markers written for a rolled back create are removed.
func (r *Repository) restoreIndexes(ctx context.Context, backends []storage.Backend, obj, prev *schema.Object) {
	if len(r.td.Indexes) == 0 || len(backends) == 0 {
		return
	}
	restore := prev
	if restore == nil {
		restore = r.td.Tombstone(obj)
	}
	fanOut(ctx, backends, func(ctx context.Context, b storage.Backend) (struct{}, error) {
		r.syncIndexes(ctx, b, restore, obj)
		return struct{}{}, nil
	})
}

func (r *Repository) indexError(b storage.Backend, p, op string, err error) {
	r.logger.Warn().Err(err).Str("backend", b.Name()).Str("path", p).Str("op", op).Msg("index marker update failed")
	r.metrics.RecordIndexError(r.td.Name)
}

// checkUnique reports unique indexed fields that are empty or already held
// by another live object.
func (r *Repository) checkUnique(ctx context.Context, obj *schema.Object) (schema.FieldErrors, error) {
	fe := schema.FieldErrors{}
	for _, idx := range r.td.Indexes {
		if !idx.Unique {
			continue
		}
		v, _ := obj.Get(idx.Field)
		norm, ok := r.td.Normalize(idx.Field, v)
		if !ok {
			fe.Add(idx.Field, CodeRequired)
			continue
		}
		hits, err := r.findByNormalized(ctx, idx.Field, norm, FindOptions{NoRedact: true}, false)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if h.Meta.ID != obj.Meta.ID {
				fe.Add(idx.Field, CodeExists)
				break
			}
		}
	}
	return fe, nil
}

// validate runs the type validator and the uniqueness checks and aggregates
// their failures into one ValidationError.
func (r *Repository) validate(ctx context.Context, obj, current *schema.Object) error {
	fe := schema.FieldErrors{}
	fe.Merge(r.td.Validate(obj, current))

	unique, err := r.checkUnique(ctx, obj)
	if err != nil {
		return err
	}
	fe.Merge(unique)

	if len(fe) > 0 {
		return &ValidationError{Type: r.td.Name, Fields: fe}
	}
	return nil
}
