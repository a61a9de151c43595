package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/tunnelmesh/objrepo/internal/storage"
)

// Result is the outcome of one backend call in a fan-out.
type Result[T any] struct {
	Backend storage.Backend
	Value   T
	Err     error
}

// fanOut runs fn against every backend concurrently and waits for all of
// them. Results keep the order of backends. A panic in fn is recorded as that
// backend's error.
func fanOut[T any](ctx context.Context, backends []storage.Backend, fn func(context.Context, storage.Backend) (T, error)) []Result[T] {
	results := make([]Result[T], len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		i, b := i, b
		results[i].Backend = b
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					results[i].Err = fmt.Errorf("backend %s panicked: %v", b.Name(), p)
				}
			}()
			results[i].Value, results[i].Err = fn(ctx, b)
		}()
	}
	wg.Wait()
	return results
}

// succeeded counts results with a nil error.
func succeeded[T any](results []Result[T]) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}
