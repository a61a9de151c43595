// Package storage defines the path-addressed blob store that objrepo replicates
// across, together with the implementations and wrappers used by the engine.
//
// Paths are slash separated and relative to the backend root, e.g.
//
//	users/3f/alice.obj/0000018c2b1e4f00-9a1b2c3d4e5f.json
//	users/_indexes/email/ab/alice%40example.com/alice.obj
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotExist is returned when a path does not exist on a backend.
var ErrNotExist = errors.New("path does not exist")

// EntryType distinguishes files from directories in a listing.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
)

// String returns "file" or "dir".
func (t EntryType) String() string {
	if t == EntryDir {
		return "dir"
	}
	return "file"
}

// Entry is a single listing result. Name is relative to the listed path; for
// recursive listings it may contain slashes.
type Entry struct {
	Name string
	Type EntryType
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Type == EntryDir
}

// Info describes a backend.
type Info struct {
	Scope string // Tag used by type definitions to select the backends they replicate to
	Kind  string // Implementation kind, e.g. "memory" or "fs"
}

// Metadata describes a stored path.
type Metadata struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// ListOptions controls List.
type ListOptions struct {
	Recursive bool
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	Recursive bool
}

// Backend is one replica: a path-addressed store of byte blobs. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs, metrics and version listings.
	Name() string

	// Info returns static backend information.
	Info() Info

	// List returns the entries below path. A missing path yields ErrNotExist.
	List(ctx context.Context, path string, opts ListOptions) ([]Entry, error)

	// ReadFile returns the full contents of path.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile creates or truncates path, creating parent directories, and
	// returns the number of bytes written.
	WriteFile(ctx context.Context, path string, data []byte) (int, error)

	// Remove deletes path and returns the removed paths.
	Remove(ctx context.Context, path string, opts RemoveOptions) ([]string, error)

	// Metadata returns information about path.
	Metadata(ctx context.Context, path string) (*Metadata, error)
}

// SafeMetadata returns metadata for path, or nil on any error.
func SafeMetadata(ctx context.Context, b Backend, path string) *Metadata {
	md, err := b.Metadata(ctx, path)
	if err != nil {
		return nil
	}
	return md
}

// FilterScope returns the backends whose scope equals scope. An empty scope
// selects every backend.
func FilterScope(backends []Backend, scope string) []Backend {
	if scope == "" {
		return backends
	}
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Info().Scope == scope {
			out = append(out, b)
		}
	}
	return out
}
