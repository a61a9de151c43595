package repo

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tunnelmesh/objrepo/internal/schema"
)

// Sentinel errors matched with errors.Is.
var (
	ErrNotFound   = errors.New("object not found")
	ErrSync       = errors.New("synchronisation failure")
	ErrValidation = errors.New("validation failed")
	ErrOrm        = errors.New("repository misuse")
)

// NotFoundError reports that no backend holds any version of an id, or that
// the id is removed and the caller did not ask for tombstones.
type NotFoundError struct {
	Type string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Type, e.ID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// SyncError reports a failed optimistic concurrency check, a write that did
// not reach quorum, or a create on an id that already exists.
type SyncError struct {
	Type     string
	ID       string
	Expected string // Version the caller edited, for concurrency failures
	Found    string // Version currently stored, for concurrency failures
	Reason   string
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s %q: %v: %s", e.Type, e.ID, ErrSync, e.Reason)
	if e.Expected != "" || e.Found != "" {
		msg += fmt.Sprintf(" (expected %s, found %s)", e.Expected, e.Found)
	}
	return msg
}

func (e *SyncError) Is(target error) bool { return target == ErrSync }

// ValidationError aggregates every field failure of one candidate object.
type ValidationError struct {
	Type   string
	Fields schema.FieldErrors
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + ": " + strings.Join(e.Fields[f], ",")
	}
	return fmt.Sprintf("%s: %v: %s", e.Type, ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Has reports whether field failed with code.
func (e *ValidationError) Has(field, code string) bool {
	for _, c := range e.Fields[field] {
		if c == code {
			return true
		}
	}
	return false
}

// OrmError reports a misconfigured repository or an invalid call, such as an
// unresolvable id or a search on a field that is not indexed.
type OrmError struct {
	Type    string
	Message string
	Err     error
}

func (e *OrmError) Error() string {
	msg := e.Message
	if e.Type != "" {
		msg = e.Type + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrmError) Is(target error) bool { return target == ErrOrm }

func (e *OrmError) Unwrap() error { return e.Err }
