// Package repo implements a replicated, versioned object repository over a
// set of unreliable storage backends.
//
// Every object version is written to each backend as an immutable file.
// Writes must be accepted and read back by a quorum of backends; reads pick
// the newest version across backends and repair stale replicas in the
// background. Indexes are zero-byte marker files, so searches are directory
// walks.
package repo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/objrepo/internal/logging/audit"
	"github.com/tunnelmesh/objrepo/internal/metrics"
	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultSearchParallelism bounds concurrent object reads in one search.
const DefaultSearchParallelism = 16

// BackendResolver returns the current backend set. It is called once per
// operation, so the set may change between calls.
type BackendResolver func(ctx context.Context) ([]storage.Backend, error)

// StaticBackends returns a resolver for a fixed backend set.
func StaticBackends(backends ...storage.Backend) BackendResolver {
	return func(context.Context) ([]storage.Backend, error) {
		return backends, nil
	}
}

// Config holds repository configuration.
type Config struct {
	Type     *schema.TypeDef
	Backends []storage.Backend // Used when Resolver is nil
	Resolver BackendResolver

	Logger  zerolog.Logger
	Audit   *audit.Logger        // Optional
	Metrics *metrics.RepoMetrics // Optional

	// RepairRate limits background repair writes per second; 0 means unlimited.
	RepairRate  float64
	RepairBurst int

	SearchParallelism int
}

// Repository is the facade for one object type.
type Repository struct {
	td      *schema.TypeDef
	resolve BackendResolver
	logger  zerolog.Logger
	audit   *audit.Logger
	metrics *metrics.RepoMetrics

	reads       singleflight.Group
	limiter     *rate.Limiter
	parallelism int

	ctx     context.Context
	cancel  context.CancelFunc
	repairs sync.WaitGroup

	repairsDone   atomic.Int64
	repairsFailed atomic.Int64
}

// New creates a repository for cfg.Type.
func New(cfg Config) (*Repository, error) {
	if cfg.Type == nil {
		return nil, &OrmError{Message: "missing type definition"}
	}
	if err := cfg.Type.Check(); err != nil {
		return nil, &OrmError{Type: cfg.Type.Name, Message: "invalid type definition", Err: err}
	}
	resolve := cfg.Resolver
	if resolve == nil {
		if len(cfg.Backends) == 0 {
			return nil, &OrmError{Type: cfg.Type.Name, Message: "no backends configured"}
		}
		resolve = StaticBackends(cfg.Backends...)
	}

	limit := rate.Inf
	if cfg.RepairRate > 0 {
		limit = rate.Limit(cfg.RepairRate)
	}
	burst := cfg.RepairBurst
	if burst <= 0 {
		burst = 1
	}
	parallelism := cfg.SearchParallelism
	if parallelism <= 0 {
		parallelism = DefaultSearchParallelism
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Repository{
		td:          cfg.Type,
		resolve:     resolve,
		logger:      cfg.Logger.With().Str("component", "repo").Str("type", cfg.Type.Name).Logger(),
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		limiter:     rate.NewLimiter(limit, burst),
		parallelism: parallelism,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Type returns the repository's type definition.
func (r *Repository) Type() *schema.TypeDef {
	return r.td
}

// WaitForRepairs blocks until every scheduled read-repair has finished.
func (r *Repository) WaitForRepairs() {
	r.repairs.Wait()
}

// Close cancels pending repairs and waits for running ones to return.
func (r *Repository) Close() error {
	r.cancel()
	r.repairs.Wait()
	return nil
}

// backends resolves the backends this type replicates to.
func (r *Repository) backends(ctx context.Context) ([]storage.Backend, error) {
	all, err := r.resolve(ctx)
	if err != nil {
		return nil, &OrmError{Type: r.td.Name, Message: "resolve backends", Err: err}
	}
	scoped := storage.FilterScope(all, r.td.Scope)
	if len(scoped) == 0 {
		return nil, &OrmError{Type: r.td.Name, Message: "no backend matches scope " + r.td.Scope}
	}
	return scoped, nil
}

// quorum is the number of backends that must accept and confirm a write.
func (r *Repository) quorum(n int) int {
	if r.td.MinWrites > 0 && r.td.MinWrites <= n {
		return r.td.MinWrites
	}
	return n
}

func (r *Repository) observe(operation string, start time.Time, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrSync):
		status = "sync_error"
	case errors.Is(err, ErrValidation):
		status = "invalid"
	default:
		status = "error"
	}
	r.metrics.RecordOperation(r.td.Name, operation, status, time.Since(start).Seconds())
}

func (r *Repository) auditMutation(operation, id, version string, err error) {
	if err != nil {
		r.audit.LogMutation(r.td.Name, operation, id, version, audit.ResultFailed, err.Error())
		return
	}
	r.audit.LogMutation(r.td.Name, operation, id, version, audit.ResultOK, "")
}
