// Package reconcile resolves divergence between the local and remote copy
// of a record by last-write-wins on the version marker.
package reconcile

import "github.com/clawinfra/offsync/internal/types"

// Source names the copy that won.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Decision is the outcome of a reconciliation.
type Decision struct {
	Winner types.Record
	Source Source
}

// Reconcile keeps the copy with the later UpdatedAt. An exact tie goes to
// the remote copy. Records are compared whole; payload fields are never
// merged.
func Reconcile(local, remote types.Record) Decision {
	if local.NewerThan(remote) {
		return Decision{Winner: local, Source: SourceLocal}
	}
	return Decision{Winner: remote, Source: SourceRemote}
}

// Diverged reports whether the two copies differ in marker or payload.
func Diverged(a, b types.Record) bool {
	return !a.UpdatedAt.Equal(b.UpdatedAt) || string(a.Payload) != string(b.Payload)
}
