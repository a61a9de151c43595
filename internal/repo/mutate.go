package repo

import (
	"context"
	"errors"
	"time"

	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
	"golang.org/x/sync/errgroup"
)

// UpdateOptions controls UpdateWithOptions.
type UpdateOptions struct {
	// ExpectedVersion overrides the version carried by the edited object.
	ExpectedVersion string
	// NewVersion is used for the new version when it is a well-formed stamp
	// that sorts after the stored one. Otherwise a fresh stamp is issued.
	NewVersion string
}

// PurgeOptions controls Purge.
type PurgeOptions struct {
	// Force purges objects that have not been removed first.
	Force bool
}

// Create stores a new object and returns it with its metadata.
//
// Creating an id that holds any version, live or removed, fails with a
// SyncError. Two concurrent creates of the same id can both pass that check;
// the one with the later version stamp wins on the next read.
func (r *Repository) Create(ctx context.Context, obj *schema.Object) (created *schema.Object, err error) {
	start := time.Now()
	id := r.td.ID(obj)
	defer func() {
		r.observe("create", start, err)
		version := ""
		if created != nil {
			version = created.Meta.Version
		}
		r.auditMutation("create", id, version, err)
	}()

	if id == "" {
		if !r.td.GenerateIDs {
			return nil, &OrmError{Type: r.td.Name, Message: "cannot resolve id of new object"}
		}
		id = r.td.NewID()
	}

	if _, err := r.reconcile(ctx, id); err == nil {
		return nil, &SyncError{Type: r.td.Name, ID: id, Reason: "already exists"}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	candidate := schema.New(obj.Fields)
	candidate.Meta = r.td.NewMeta(id)
	if r.td.IDField != "" {
		candidate.Set(r.td.IDField, id)
	}
	if err := r.validate(ctx, candidate, nil); err != nil {
		return nil, err
	}

	stored, err := r.write(ctx, candidate, nil)
	if err != nil {
		return nil, err
	}
	return r.td.Redact(stored), nil
}

// Update merges edited onto the stored object and writes the result as a new
// version. edited must carry the version it was read at.
func (r *Repository) Update(ctx context.Context, edited *schema.Object) (*schema.Object, error) {
	return r.UpdateWithOptions(ctx, edited, UpdateOptions{})
}

// UpdateWithOptions is Update with explicit version control.
func (r *Repository) UpdateWithOptions(ctx context.Context, edited *schema.Object, opts UpdateOptions) (updated *schema.Object, err error) {
	start := time.Now()
	id := r.td.ID(edited)
	defer func() {
		r.observe("update", start, err)
		version := ""
		if updated != nil {
			version = updated.Meta.Version
		}
		r.auditMutation("update", id, version, err)
	}()

	if id == "" {
		return nil, &OrmError{Type: r.td.Name, Message: "cannot resolve id of edited object"}
	}
	expected := opts.ExpectedVersion
	if expected == "" {
		expected = edited.Meta.Version
	}

	found, err := r.checkVersion(ctx, id, expected)
	if err != nil {
		return nil, err
	}

	merged := &schema.Object{Meta: found.Meta, Fields: schema.Merge(found.Fields, edited.Fields)}
	merged.Meta.ID = id
	merged.Meta.Removed = false
	merged.Meta.Version = r.nextVersion(found.Meta.Version, opts.NewVersion)
	merged.Meta.MTime = mtime(found)

	if err := r.checkImmutable(found, merged); err != nil {
		return nil, err
	}
	if err := r.validate(ctx, merged, found); err != nil {
		return nil, err
	}

	stored, err := r.write(ctx, merged, found)
	if err != nil {
		return nil, err
	}
	return r.td.Redact(stored), nil
}

// Remove replaces id with a tombstone. version must be the stored version.
func (r *Repository) Remove(ctx context.Context, id, version string) (removed *schema.Object, err error) {
	start := time.Now()
	defer func() {
		r.observe("remove", start, err)
		v := ""
		if removed != nil {
			v = removed.Meta.Version
		}
		r.auditMutation("remove", id, v, err)
	}()

	found, err := r.checkVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}

	tomb := r.td.Tombstone(found)
	tomb.Meta.Version = schema.NextVersion(found.Meta.Version)
	tomb.Meta.MTime = mtime(found)
	return r.write(ctx, tomb, found)
}

// RemoveObject removes obj at the version it carries.
func (r *Repository) RemoveObject(ctx context.Context, obj *schema.Object) (*schema.Object, error) {
	id := r.td.ID(obj)
	if id == "" {
		return nil, &OrmError{Type: r.td.Name, Message: "cannot resolve id of object to remove"}
	}
	return r.Remove(ctx, id, obj.Meta.Version)
}

// Purge deletes every version and index marker of id from every backend.
// Only removed objects can be purged unless opts.Force is set.
func (r *Repository) Purge(ctx context.Context, id string, opts PurgeOptions) (err error) {
	start := time.Now()
	defer func() {
		r.observe("purge", start, err)
		r.auditMutation("purge", id, "", err)
	}()

	backends, err := r.backends(ctx)
	if err != nil {
		return err
	}
	// Read without repairing so nothing is rewritten behind the purge.
	replicas := r.listVersions(ctx, backends, id)
	canon := r.canonical(id, replicas)
	if canon == nil {
		return &NotFoundError{Type: r.td.Name, ID: id}
	}
	if !canon.obj.IsTombstone() && !opts.Force {
		return &SyncError{Type: r.td.Name, ID: id, Reason: "object is not removed"}
	}

	dir := r.td.GeneralPath(id)
	tomb := r.td.Tombstone(canon.obj)
	var g errgroup.Group
	for _, res := range replicas {
		b := res.Backend
		var held *schema.Object
		if res.Value != nil {
			held = res.Value.obj
		}
		g.Go(func() error {
			if held != nil {
				r.syncIndexes(ctx, b, tomb, held)
			}
			if _, err := b.Remove(ctx, dir, storage.RemoveOptions{Recursive: true}); err != nil && !errors.Is(err, storage.ErrNotExist) {
				return &OrmError{Type: r.td.Name, Message: "purge " + id + " on " + b.Name(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// checkVersion returns the stored object if its version is expected.
func (r *Repository) checkVersion(ctx context.Context, id, expected string) (*schema.Object, error) {
	found, err := r.readLatest(ctx, id, ReadOptions{NoRedact: true})
	if err != nil {
		return nil, err
	}
	if found.Meta.Version != expected {
		return nil, &SyncError{
			Type:     r.td.Name,
			ID:       id,
			Expected: expected,
			Found:    found.Meta.Version,
			Reason:   "version mismatch",
		}
	}
	return found, nil
}

func (r *Repository) nextVersion(stored, requested string) string {
	if requested != "" && schema.IsVersion(requested) && requested > stored {
		return requested
	}
	return schema.NextVersion(stored)
}

// checkImmutable rejects edits that change the id field.
func (r *Repository) checkImmutable(found, merged *schema.Object) error {
	if r.td.IDField == "" {
		return nil
	}
	before, _ := found.Get(r.td.IDField)
	after, _ := merged.Get(r.td.IDField)
	a, _ := r.td.Normalize(r.td.IDField, before)
	b, _ := r.td.Normalize(r.td.IDField, after)
	if a != b {
		fe := schema.FieldErrors{}
		fe.Add(r.td.IDField, CodeImmutable)
		return &ValidationError{Type: r.td.Name, Fields: fe}
	}
	return nil
}

// mtime never moves backwards, even when the stored mtime came from a host
// whose clock runs ahead.
func mtime(found *schema.Object) time.Time {
	now := time.Now().UTC()
	if now.Before(found.Meta.MTime) {
		return found.Meta.MTime
	}
	return now
}
