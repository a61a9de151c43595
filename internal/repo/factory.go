package repo

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/objrepo/internal/logging/audit"
	"github.com/tunnelmesh/objrepo/internal/metrics"
	"github.com/tunnelmesh/objrepo/internal/schema"
)

// FactoryConfig holds the settings shared by every repository of a Factory.
type FactoryConfig struct {
	Registry *schema.Registry
	Resolver BackendResolver

	Logger  zerolog.Logger
	Audit   *audit.Logger
	Metrics *metrics.RepoMetrics

	RepairRate        float64
	RepairBurst       int
	SearchParallelism int
}

// Factory hands out one Repository per registered type.
type Factory struct {
	cfg FactoryConfig

	mu    sync.Mutex
	repos map[string]*Repository
}

// NewFactory creates a factory.
func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{cfg: cfg, repos: make(map[string]*Repository)}
}

// Repository returns the repository for the named type, creating it on first use.
func (f *Factory) Repository(name string) (*Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.repos[name]; ok {
		return r, nil
	}
	if f.cfg.Registry == nil {
		return nil, &OrmError{Type: name, Message: "factory has no type registry"}
	}
	td, err := f.cfg.Registry.Resolve(name)
	if err != nil {
		return nil, &OrmError{Type: name, Message: "resolve type", Err: err}
	}
	r, err := New(Config{
		Type:              td,
		Resolver:          f.cfg.Resolver,
		Logger:            f.cfg.Logger,
		Audit:             f.cfg.Audit,
		Metrics:           f.cfg.Metrics,
		RepairRate:        f.cfg.RepairRate,
		RepairBurst:       f.cfg.RepairBurst,
		SearchParallelism: f.cfg.SearchParallelism,
	})
	if err != nil {
		return nil, err
	}
	f.repos[name] = r
	return r, nil
}

// WaitForRepairs waits for the background repairs of every repository.
func (f *Factory) WaitForRepairs() {
	f.mu.Lock()
	repos := make([]*Repository, 0, len(f.repos))
	for _, r := range f.repos {
		repos = append(repos, r)
	}
	f.mu.Unlock()

	for _, r := range repos {
		r.WaitForRepairs()
	}
}

// Close closes every repository handed out so far.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for name, r := range f.repos {
		errs = append(errs, r.Close())
		delete(f.repos, name)
	}
	return errors.Join(errs...)
}
