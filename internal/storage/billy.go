package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// BillyBackend implements Backend on top of a billy.Filesystem. Access is
// serialised because memfs is not safe for concurrent use.
type BillyBackend struct {
	name string
	info Info
	fs   billy.Filesystem
	mu   sync.RWMutex
}

// NewBilly wraps an arbitrary billy filesystem.
func NewBilly(name string, info Info, fs billy.Filesystem) *BillyBackend {
	return &BillyBackend{name: name, info: info, fs: fs}
}

// NewMemory creates an in-memory backend.
func NewMemory(name, scope string) *BillyBackend {
	return NewBilly(name, Info{Scope: scope, Kind: "memory"}, memfs.New())
}

// NewLocal creates a backend rooted at dir on the local filesystem.
func NewLocal(name, scope, dir string) (*BillyBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backend dir: %w", err)
	}
	return NewBilly(name, Info{Scope: scope, Kind: "fs"}, osfs.New(dir)), nil
}

// Name implements Backend.
func (b *BillyBackend) Name() string {
	return b.name
}

// Info implements Backend.
func (b *BillyBackend) Info() Info {
	return b.info
}

// cleanPath normalises p to a relative slash path that cannot escape the root.
func cleanPath(p string) (string, error) {
	p = path.Clean("/" + strings.TrimSpace(p))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		p = "."
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return p, nil
}

func mapErr(err error) error {
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	return err
}

// List implements Backend.
func (b *BillyBackend) List(ctx context.Context, p string, opts ListOptions) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, err := b.fs.Stat(p); err != nil {
		return nil, mapErr(err)
	}

	var entries []Entry
	if err := b.readDir(p, "", opts.Recursive, &entries); err != nil {
		return nil, mapErr(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (b *BillyBackend) readDir(dir, prefix string, recursive bool, out *[]Entry) error {
	infos, err := b.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		name := fi.Name()
		if name == "." || name == "" {
			continue
		}
		rel := name
		if prefix != "" {
			rel = prefix + "/" + name
		}
		e := Entry{Name: rel, Type: EntryFile}
		if fi.IsDir() {
			e.Type = EntryDir
		}
		*out = append(*out, e)
		if recursive && fi.IsDir() {
			if err := b.readDir(b.fs.Join(dir, name), rel, true, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadFile implements Backend.
func (b *BillyBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	fi, err := b.fs.Stat(p)
	if err != nil {
		return nil, mapErr(err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("read %s: is a directory", p)
	}

	f, err := b.fs.Open(p)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = f.Close() }()

	return io.ReadAll(f)
}

// WriteFile implements Backend.
func (b *BillyBackend) WriteFile(ctx context.Context, p string, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := cleanPath(p)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if dir := path.Dir(p); dir != "." {
		if err := b.fs.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("create parent dir: %w", err)
		}
	}

	f, err := b.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	n, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return n, werr
	}
	return n, cerr
}

// Remove implements Backend.
func (b *BillyBackend) Remove(ctx context.Context, p string, opts RemoveOptions) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	if p == "." {
		return nil, fmt.Errorf("refusing to remove backend root")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fi, err := b.fs.Stat(p)
	if err != nil {
		return nil, mapErr(err)
	}

	if !fi.IsDir() || !opts.Recursive {
		if err := b.fs.Remove(p); err != nil {
			return nil, mapErr(err)
		}
		return []string{p}, nil
	}

	var children []Entry
	if err := b.readDir(p, "", true, &children); err != nil {
		return nil, mapErr(err)
	}
	removed := make([]string, 0, len(children)+1)
	for _, c := range children {
		removed = append(removed, p+"/"+c.Name)
	}
	removed = append(removed, p)

	if err := util.RemoveAll(b.fs, p); err != nil {
		return nil, mapErr(err)
	}
	return removed, nil
}

// Metadata implements Backend.
func (b *BillyBackend) Metadata(ctx context.Context, p string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	fi, err := b.fs.Stat(p)
	if err != nil {
		return nil, mapErr(err)
	}
	return &Metadata{
		Path:    p,
		Size:    fi.Size(),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
	}, nil
}

var _ Backend = (*BillyBackend)(nil)
