package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is returned by a Faulty backend for operations it is told to fail.
var ErrInjected = errors.New("injected backend failure")

// Op names a backend operation for fault injection.
type Op string

const (
	OpList     Op = "list"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpRemove   Op = "remove"
	OpMetadata Op = "metadata"
)

// Faulty wraps a Backend and fails selected operations on demand. It is used
// to rehearse partial failures: a downed replica, a replica that accepts
// fewer bytes than it was given, or one that silently drops writes.
type Faulty struct {
	Backend

	mu         sync.RWMutex
	down       bool
	failing    map[Op]bool
	shortWrite bool
	dropWrites bool
	writes     int
}

// NewFaulty wraps inner. The wrapper starts healthy.
func NewFaulty(inner Backend) *Faulty {
	return &Faulty{Backend: inner, failing: make(map[Op]bool)}
}

// SetDown makes every operation fail (or succeed again).
func (f *Faulty) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Fail makes the given operation fail until Heal is called.
func (f *Faulty) Fail(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[op] = true
}

// SetShortWrite makes WriteFile report one byte less than it was given.
func (f *Faulty) SetShortWrite(short bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shortWrite = short
}

// SetDropWrites makes WriteFile report success without storing anything.
func (f *Faulty) SetDropWrites(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropWrites = drop
}

// Heal clears all injected faults.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = false
	f.shortWrite = false
	f.dropWrites = false
	f.failing = make(map[Op]bool)
}

// Writes returns the number of WriteFile calls that reached the wrapper.
func (f *Faulty) Writes() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.writes
}

func (f *Faulty) check(op Op) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.down || f.failing[op] {
		return ErrInjected
	}
	return nil
}

// List implements Backend.
func (f *Faulty) List(ctx context.Context, path string, opts ListOptions) ([]Entry, error) {
	if err := f.check(OpList); err != nil {
		return nil, err
	}
	return f.Backend.List(ctx, path, opts)
}

// ReadFile implements Backend.
func (f *Faulty) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := f.check(OpRead); err != nil {
		return nil, err
	}
	return f.Backend.ReadFile(ctx, path)
}

// WriteFile implements Backend.
func (f *Faulty) WriteFile(ctx context.Context, path string, data []byte) (int, error) {
	f.mu.Lock()
	f.writes++
	short, drop := f.shortWrite, f.dropWrites
	f.mu.Unlock()

	if err := f.check(OpWrite); err != nil {
		return 0, err
	}
	if drop {
		return len(data), nil
	}
	n, err := f.Backend.WriteFile(ctx, path, data)
	if err == nil && short && n > 0 {
		n--
	}
	return n, err
}

// Remove implements Backend.
func (f *Faulty) Remove(ctx context.Context, path string, opts RemoveOptions) ([]string, error) {
	if err := f.check(OpRemove); err != nil {
		return nil, err
	}
	return f.Backend.Remove(ctx, path, opts)
}

// Metadata implements Backend.
func (f *Faulty) Metadata(ctx context.Context, path string) (*Metadata, error) {
	if err := f.check(OpMetadata); err != nil {
		return nil, err
	}
	return f.Backend.Metadata(ctx, path)
}

var _ Backend = (*Faulty)(nil)
