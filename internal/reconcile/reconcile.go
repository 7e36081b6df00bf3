// Package reconcile implements the last-writer-wins merge applied to every
// synchronized record family. Clients keep local copies and push batches of
// revisions; each revision carries its record id and a revision timestamp,
// and the stored revision's timestamp only ever moves forward.
package reconcile

import (
	"context"
	"time"
)

// Record is a single syncable revision of some record family.
type Record interface {
	// RecordID returns the client-generated primary key.
	RecordID() string
	// Revision returns the last_modified timestamp of this revision.
	Revision() time.Time
}

// Outcome of reconciling one incoming revision against the store.
type Outcome int

const (
	// Applied means the incoming revision was inserted or overwrote the
	// stored one.
	Applied Outcome = iota
	// Stale means the stored revision is at least as new; the incoming
	// write was discarded. Re-delivery of an already applied push lands
	// here, which is what makes retries safe.
	Stale
	// Dropped means the revision had no id and was skipped without
	// aborting the rest of the batch.
	Dropped
)

// Target is the storage hook for one record family, bound to a transaction
// so that Get and the following Insert/Update act as one atomic unit.
type Target[T Record] interface {
	// Get returns the stored revision for id, if any.
	Get(ctx context.Context, id string) (T, bool, error)
	// Insert stores a revision for a previously unknown id.
	Insert(ctx context.Context, rec T) error
	// Update overwrites every mutable field, tombstone flag included.
	Update(ctx context.Context, rec T) error
}

// One reconciles a single incoming revision. The stored record wins ties on
// the revision timestamp, so applying the same revision twice is a no-op.
func One[T Record](ctx context.Context, target Target[T], incoming T) (Outcome, error) {
	if incoming.RecordID() == "" {
		return Dropped, nil
	}

	existing, ok, err := target.Get(ctx, incoming.RecordID())
	if err != nil {
		return Stale, err
	}
	if !ok {
		if err := target.Insert(ctx, incoming); err != nil {
			return Stale, err
		}
		return Applied, nil
	}

	if !existing.Revision().Before(incoming.Revision()) {
		return Stale, nil
	}
	if err := target.Update(ctx, incoming); err != nil {
		return Stale, err
	}
	return Applied, nil
}

// Batch reconciles each revision independently and returns the ids that were
// applied. Stale and dropped revisions are excluded silently; partial
// success is the normal case, not an error.
func Batch[T Record](ctx context.Context, target Target[T], incoming []T) ([]string, error) {
	applied := make([]string, 0, len(incoming))
	for _, rec := range incoming {
		outcome, err := One(ctx, target, rec)
		if err != nil {
			return nil, err
		}
		if outcome == Applied {
			applied = append(applied, rec.RecordID())
		}
	}
	return applied, nil
}
