package schema

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// A version stamp is "<16 hex digits of unix nanoseconds>-<12 random hex digits>".
// Stamps issued by one process strictly increase, and lexicographic order
// matches issue order.
var versionPattern = regexp.MustCompile(`^[0-9a-f]{16}-[0-9a-f]{12}$`)

var lastStamp atomic.Int64

// NewVersion returns a fresh version stamp.
func NewVersion() string {
	return NextVersion("")
}

// NextVersion returns a fresh stamp that sorts after the given one, even when
// after was issued by a host whose clock runs ahead of ours.
func NextVersion(after string) string {
	floor := int64(0)
	if t, ok := versionNanos(after); ok {
		floor = t + 1
	}

	var ts int64
	for {
		last := lastStamp.Load()
		ts = time.Now().UnixNano()
		if ts <= last {
			ts = last + 1
		}
		if ts < floor {
			ts = floor
		}
		if lastStamp.CompareAndSwap(last, ts) {
			break
		}
	}

	id := uuid.New()
	return fmt.Sprintf("%016x-%s", ts, hex.EncodeToString(id[10:16]))
}

// IsVersion reports whether s is a well-formed version stamp.
func IsVersion(s string) bool {
	return versionPattern.MatchString(s)
}

// VersionTime returns the time encoded in a version stamp.
func VersionTime(s string) (time.Time, bool) {
	ns, ok := versionNanos(s)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}

func versionNanos(s string) (int64, bool) {
	if !IsVersion(s) {
		return 0, false
	}
	ns, err := strconv.ParseInt(s[:16], 16, 64)
	if err != nil {
		return 0, false
	}
	return ns, true
}
