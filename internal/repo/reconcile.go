package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tunnelmesh/objrepo/internal/logging/audit"
	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
)

// ReadOptions controls single-object reads.
type ReadOptions struct {
	Removed  bool // Return tombstones instead of ErrNotFound
	NoRedact bool // Keep secret fields
}

// replica is what one backend holds for an id.
type replica struct {
	versions []string // Version file paths, oldest first
	latest   string   // Newest readable version path; empty when absent
	data     []byte
	obj      *schema.Object
	corrupt  []string // Undecodable version files newer than latest
}

// listVersions lists and reads the newest readable version of id on every
// backend. Version files that do not decode are skipped and recorded in
// corrupt so that repair can drop them.
func (r *Repository) listVersions(ctx context.Context, backends []storage.Backend, id string) []Result[*replica] {
	dir := r.td.GeneralPath(id)
	return fanOut(ctx, backends, func(ctx context.Context, b storage.Backend) (*replica, error) {
		rep := &replica{}
		entries, err := b.List(ctx, dir, storage.ListOptions{})
		if err != nil && !errors.Is(err, storage.ErrNotExist) {
			return rep, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, e := range entries {
			p := dir + "/" + e.Name
			if e.IsDir() || !r.td.IsSpecificPath(p) {
				continue
			}
			rep.versions = append(rep.versions, p)
		}
		sort.Strings(rep.versions)

		for i := len(rep.versions) - 1; i >= 0; i-- {
			p := rep.versions[i]
			data, err := b.ReadFile(ctx, p)
			if err != nil {
				return rep, fmt.Errorf("read %s: %w", p, err)
			}
			obj, err := schema.Decode(data)
			if err != nil {
				r.logger.Warn().Err(err).Str("backend", b.Name()).Str("path", p).Msg("skipping undecodable version")
				rep.corrupt = append(rep.corrupt, p)
				continue
			}
			rep.latest, rep.data, rep.obj = p, data, obj
			break
		}
		return rep, nil
	})
}

// inSync reports whether rep holds exactly the canonical version.
func (rep *replica) inSync(canon *replica) bool {
	return rep != nil && len(rep.corrupt) == 0 && rep.latest == canon.latest && bytes.Equal(rep.data, canon.data)
}

// readLatest returns the canonical version of id.
func (r *Repository) readLatest(ctx context.Context, id string, opts ReadOptions) (*schema.Object, error) {
	obj, err := r.reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.IsTombstone() && !opts.Removed {
		return nil, &NotFoundError{Type: r.td.Name, ID: id}
	}
	if !opts.NoRedact {
		return r.td.Redact(obj), nil
	}
	return obj, nil
}

// reconcile returns the canonical, unredacted version of id. Concurrent
// reconciles of one id share a single pass over the backends.
func (r *Repository) reconcile(ctx context.Context, id string) (*schema.Object, error) {
	v, err, _ := r.reads.Do(id, func() (any, error) {
		return r.reconcileOnce(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*schema.Object).Clone(), nil
}

func (r *Repository) reconcileOnce(ctx context.Context, id string) (*schema.Object, error) {
	backends, err := r.backends(ctx)
	if err != nil {
		return nil, err
	}
	replicas := r.listVersions(ctx, backends, id)
	canon := r.canonical(id, replicas)
	if canon == nil {
		return nil, &NotFoundError{Type: r.td.Name, ID: id}
	}

	for _, res := range replicas {
		if !res.Value.inSync(canon) {
			r.scheduleRepair(res.Backend, canon, res.Value)
		}
	}
	return canon.obj, nil
}

// canonical picks the replica with the greatest version path, or nil when no
// backend holds a readable version.
func (r *Repository) canonical(id string, replicas []Result[*replica]) *replica {
	var canon *replica
	for _, res := range replicas {
		if res.Err != nil {
			r.logger.Debug().Err(res.Err).Str("backend", res.Backend.Name()).Str("id", id).Msg("replica unreadable")
			r.metrics.RecordBackendError(res.Backend.Name(), "read")
		}
		rep := res.Value
		if rep == nil || rep.latest == "" {
			continue
		}
		if canon == nil || rep.latest > canon.latest {
			canon = rep
		}
	}
	return canon
}

// scheduleRepair copies the canonical version onto b in the background.
// Failures are logged and counted, never returned to the reader.
func (r *Repository) scheduleRepair(b storage.Backend, canon, have *replica) {
	r.repairs.Add(1)
	go func() {
		defer r.repairs.Done()

		id, version := canon.obj.Meta.ID, canon.obj.Meta.Version
		if err := r.repair(b, canon, have); err != nil {
			r.repairsFailed.Add(1)
			r.logger.Warn().Err(err).Str("backend", b.Name()).Str("id", id).Str("version", version).Msg("read-repair failed")
			r.metrics.RecordRepair(r.td.Name, audit.ResultFailed)
			r.audit.LogRepair(r.td.Name, id, version, b.Name(), audit.ResultFailed, err.Error())
			return
		}
		r.repairsDone.Add(1)
		r.logger.Debug().Str("backend", b.Name()).Str("id", id).Str("version", version).Msg("replica repaired")
		r.metrics.RecordRepair(r.td.Name, audit.ResultOK)
		r.audit.LogRepair(r.td.Name, id, version, b.Name(), audit.ResultOK, "")
	}()
}

// repair drops the undecodable versions on b and writes the canonical
// version there unless b already holds it.
func (r *Repository) repair(b storage.Backend, canon, have *replica) error {
	if err := r.limiter.Wait(r.ctx); err != nil {
		return err
	}
	var stale *schema.Object
	if have != nil {
		stale = have.obj
		for _, p := range have.corrupt {
			if _, err := b.Remove(r.ctx, p, storage.RemoveOptions{}); err != nil && !errors.Is(err, storage.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", p, err)
			}
		}
		if have.latest == canon.latest && bytes.Equal(have.data, canon.data) {
			return nil
		}
	}

	n, err := b.WriteFile(r.ctx, canon.latest, canon.data)
	if err != nil {
		return err
	}
	if n != len(canon.data) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(canon.data))
	}
	r.syncIndexes(r.ctx, b, canon.obj, stale)
	return nil
}
