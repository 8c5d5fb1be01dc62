// Package types provides the record type shared by the store, queue, remote
// and sync engine packages so none of them has to import another.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is a single domain entity addressed by collection and key.
// UpdatedAt is the version marker used for last-write-wins resolution.
type Record struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Stamp normalises a wall-clock time into a version marker. Markers are kept
// in UTC at millisecond precision so they compare equal after a round trip
// through a remote store that stores unix milliseconds.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// MarkerFromMillis rebuilds a version marker from unix milliseconds.
func MarkerFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Validate checks that the record can be stored and replayed.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Collection) == "" {
		return fmt.Errorf("record collection required")
	}
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("record key required")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("record %s/%s: payload is not valid JSON", r.Collection, r.Key)
	}
	return nil
}

// NewerThan reports whether r carries a strictly later version marker than other.
func (r Record) NewerThan(other Record) bool {
	return r.UpdatedAt.After(other.UpdatedAt)
}

// String returns "collection/key".
func (r Record) String() string {
	return r.Collection + "/" + r.Key
}
