// Package ids generates message ids. Ids are ULIDs, so they sort by
// creation time and carry it.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID stamped with at. Ids created within the same
// millisecond still increase.
func New(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// Time extracts the millisecond timestamp of a ULID. ok is false for ids
// that are not ULIDs, such as the UUIDs other publishers use.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
