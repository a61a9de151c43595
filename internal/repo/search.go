package repo

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
)

// Visitor is applied to every search result. The value it returns is stored
// in FindOptions.Results under the object id.
type Visitor interface {
	Visit(ctx context.Context, obj *schema.Object) (any, error)
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(ctx context.Context, obj *schema.Object) (any, error)

// Visit calls f.
func (f VisitorFunc) Visit(ctx context.Context, obj *schema.Object) (any, error) {
	return f(ctx, obj)
}

// Predicate filters search results. It sees unredacted objects.
type Predicate func(obj *schema.Object) bool

// FindOptions controls searches.
type FindOptions struct {
	Predicate Predicate
	Removed   bool // Include tombstones
	NoRedact  bool // Keep secret fields
	NoCollect bool // Return no objects; use with Visitor

	Visitor Visitor
	// Results receives visitor results keyed by id. Writes are serialised;
	// the caller must not touch the map until the search returns.
	Results map[string]any
}

// traversal is one search across all backends.
type traversal struct {
	r     *Repository
	opts  FindOptions
	first bool
	match func(*schema.Object) bool

	stop    atomic.Bool
	seen    *xsync.MapOf[string, struct{}]
	found   *xsync.MapOf[string, *schema.Object]
	sem     chan struct{}
	visitMu sync.Mutex
}

// search walks root on every backend and resolves each object leaf found
// there to its canonical version. Leaves are claimed before they are read,
// so an object present on several backends is read once. With recursive
// set, each backend is listed once recursively instead of per directory.
func (r *Repository) search(ctx context.Context, root string, recursive bool, opts FindOptions, first bool, match func(*schema.Object) bool) ([]*schema.Object, error) {
	backends, err := r.backends(ctx)
	if err != nil {
		return nil, err
	}

	t := &traversal{
		r:     r,
		opts:  opts,
		first: first,
		match: match,
		seen:  xsync.NewMapOf[string, struct{}](),
		found: xsync.NewMapOf[string, *schema.Object](),
		sem:   make(chan struct{}, r.parallelism),
	}

	results := fanOut(ctx, backends, func(ctx context.Context, b storage.Backend) (struct{}, error) {
		return struct{}{}, t.walk(ctx, b, root, root, recursive)
	})
	for _, res := range results {
		if res.Err != nil {
			r.logger.Warn().Err(res.Err).Str("backend", res.Backend.Name()).Str("root", root).Msg("search walk failed")
			r.metrics.RecordBackendError(res.Backend.Name(), "list")
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.NoCollect {
		return nil, nil
	}

	var out []*schema.Object
	t.found.Range(func(_ string, obj *schema.Object) bool {
		out = append(out, obj)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.ID < out[j].Meta.ID })
	return out, nil
}

func (t *traversal) walk(ctx context.Context, b storage.Backend, root, dir string, recursive bool) error {
	entries, err := b.List(ctx, dir, storage.ListOptions{Recursive: recursive})
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil
		}
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		if t.stop.Load() || ctx.Err() != nil {
			break
		}
		full := dir + "/" + e.Name
		rel := strings.TrimPrefix(full, root+"/")
		if first, _, _ := strings.Cut(rel, "/"); strings.HasPrefix(first, "_") && !schema.IsLeaf(first) {
			continue
		}

		switch {
		case schema.IsLeaf(e.Name):
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.resolve(ctx, full)
			}()
		case e.IsDir() && !recursive:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := t.walk(ctx, b, root, full, false); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (t *traversal) resolve(ctx context.Context, leaf string) {
	if t.stop.Load() {
		return
	}
	if _, claimed := t.seen.LoadOrStore(path.Base(leaf), struct{}{}); claimed {
		return
	}
	id, err := t.r.td.IDFromPath(leaf)
	if err != nil {
		t.r.logger.Debug().Err(err).Str("path", leaf).Msg("skipping malformed leaf")
		return
	}

	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	obj, err := t.r.readLatest(ctx, id, ReadOptions{Removed: true, NoRedact: true})
	<-t.sem
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			t.r.logger.Debug().Err(err).Str("id", id).Msg("search read failed")
		}
		return
	}

	if obj.IsTombstone() && !t.opts.Removed {
		return
	}
	if t.match != nil && !t.match(obj) {
		return
	}
	if t.opts.Predicate != nil && !t.opts.Predicate(obj) {
		return
	}
	if t.first && !t.stop.CompareAndSwap(false, true) {
		return
	}
	if !t.opts.NoRedact {
		obj = t.r.td.Redact(obj)
	}
	if _, loaded := t.found.LoadOrStore(obj.Meta.ID, obj); loaded {
		return
	}
	t.visit(ctx, obj)
}

func (t *traversal) visit(ctx context.Context, obj *schema.Object) {
	if t.opts.Visitor == nil {
		return
	}
	res, err := t.opts.Visitor.Visit(ctx, obj)
	if err != nil {
		t.r.logger.Warn().Err(err).Str("id", obj.Meta.ID).Msg("visitor failed")
		return
	}
	if t.opts.Results == nil {
		return
	}
	t.visitMu.Lock()
	t.opts.Results[obj.Meta.ID] = res
	t.visitMu.Unlock()
}
