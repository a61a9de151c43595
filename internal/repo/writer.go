package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
)

// Quorum phases.
const (
	phaseWrite   = "write"
	phaseConfirm = "confirm"
)

// write persists obj as a new version on every backend. prev is the version
// being replaced, used to move index markers; nil on create.
//
// The write succeeds only if a quorum of backends accepts the full payload
// and then reports it as their newest version. Otherwise the new version file
// is removed again wherever it landed and a SyncError is returned.
func (r *Repository) write(ctx context.Context, obj, prev *schema.Object) (*schema.Object, error) {
	backends, err := r.backends(ctx)
	if err != nil {
		return nil, err
	}
	need := r.quorum(len(backends))

	stored := r.td.StripTransient(obj)
	data, err := schema.Encode(stored)
	if err != nil {
		return nil, &OrmError{Type: r.td.Name, Message: "encode object", Err: err}
	}
	if r.td.MaxObjectBytes > 0 && int64(len(data)) > r.td.MaxObjectBytes {
		fe := schema.FieldErrors{}
		fe.Add(ObjectField, CodeTooLarge)
		return nil, &ValidationError{Type: r.td.Name, Fields: fe}
	}
	id, version := stored.Meta.ID, stored.Meta.Version
	target := r.td.SpecificPath(stored)

	writes := fanOut(ctx, backends, func(ctx context.Context, b storage.Backend) (int, error) {
		n, err := b.WriteFile(ctx, target, data)
		if err != nil {
			return n, err
		}
		if n != len(data) {
			return n, fmt.Errorf("short write: %d of %d bytes", n, len(data))
		}
		r.syncIndexes(ctx, b, stored, prev)
		return n, nil
	})
	for _, w := range writes {
		if w.Err != nil {
			r.logger.Warn().Err(w.Err).Str("backend", w.Backend.Name()).Str("id", id).Str("version", version).Msg("backend write failed")
			r.metrics.RecordBackendError(w.Backend.Name(), "write")
			continue
		}
		r.metrics.RecordBytesWritten(w.Value)
	}
	if got := succeeded(writes); got < need {
		return nil, r.abortWrite(backends, accepted(writes), stored, prev, phaseWrite, got, need)
	}

	confirmed := 0
	confirm := r.listVersions(ctx, backends, id)
	for _, c := range confirm {
		if c.Err == nil && c.Value.latest == target && bytes.Equal(c.Value.data, data) {
			confirmed++
		}
	}
	if confirmed < need {
		return nil, r.abortWrite(backends, accepted(writes), stored, prev, phaseConfirm, confirmed, need)
	}

	r.prune(ctx, confirm)
	return stored, nil
}

// abortWrite rolls back a write that missed quorum and builds its error.
// written are the backends whose index markers already moved from prev to obj.
func (r *Repository) abortWrite(backends, written []storage.Backend, obj, prev *schema.Object, phase string, got, need int) error {
	id, version := obj.Meta.ID, obj.Meta.Version
	r.logger.Warn().Str("id", id).Str("version", version).Str("phase", phase).
		Int("got", got).Int("need", need).Msg("quorum not reached, rolling back")
	r.metrics.RecordQuorumFailure(r.td.Name, phase)
	r.audit.LogQuorumFailure(r.td.Name, id, version, phase, got, need)

	// The caller's context may be what failed the write.
	r.rollback(r.ctx, backends, r.td.SpecificPath(obj))
	r.restoreIndexes(r.ctx, written, obj, prev)

	return &SyncError{
		Type:   r.td.Name,
		ID:     id,
		Reason: fmt.Sprintf("%s quorum not reached: %d of %d backends", phase, got, need),
	}
}

// rollback removes a version file from every backend, ignoring failures.
func (r *Repository) rollback(ctx context.Context, backends []storage.Backend, p string) {
	results := fanOut(ctx, backends, func(ctx context.Context, b storage.Backend) ([]string, error) {
		return b.Remove(ctx, p, storage.RemoveOptions{})
	})
	for _, res := range results {
		if res.Err != nil && !errors.Is(res.Err, storage.ErrNotExist) {
			r.logger.Debug().Err(res.Err).Str("backend", res.Backend.Name()).Str("path", p).Msg("rollback remove failed")
		}
	}
}

// prune removes the oldest version files beyond MaxVersions, using the
// listings gathered while confirming a write.
func (r *Repository) prune(ctx context.Context, replicas []Result[*replica]) {
	keep := r.td.MaxVersions
	if keep <= 0 {
		return
	}
	results := fanOut(ctx, backendsOf(replicas), func(ctx context.Context, b storage.Backend) (int, error) {
		var rep *replica
		for _, c := range replicas {
			if c.Backend == b {
				rep = c.Value
			}
		}
		if rep == nil || len(rep.versions) <= keep {
			return 0, nil
		}
		removed := 0
		var errs []error
		for _, p := range rep.versions[:len(rep.versions)-keep] {
			if _, err := b.Remove(ctx, p, storage.RemoveOptions{}); err != nil && !errors.Is(err, storage.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
		return removed, errors.Join(errs...)
	})
	for _, res := range results {
		r.metrics.RecordPruned(r.td.Name, res.Value)
		if res.Err != nil {
			r.logger.Warn().Err(res.Err).Str("backend", res.Backend.Name()).Msg("version pruning incomplete")
		}
	}
}

// accepted returns the backends whose call succeeded.
func accepted[T any](results []Result[T]) []storage.Backend {
	var out []storage.Backend
	for _, res := range results {
		if res.Err == nil {
			out = append(out, res.Backend)
		}
	}
	return out
}

func backendsOf[T any](results []Result[T]) []storage.Backend {
	out := make([]storage.Backend, len(results))
	for i, res := range results {
		out[i] = res.Backend
	}
	return out
}
