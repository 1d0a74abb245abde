package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/opserve/errlog/pkg/models"
)

var ErrNotFound = errors.New("error record not found")
var ErrProtected = errors.New("record is protected")

// MatchCriteria selects the candidate record for a duplicate increment.
// A candidate matches when it has the same fingerprint and application
// name, is not deleted, is not protected, and was last seen at or after
// Since (the start of the rollup window).
type MatchCriteria struct {
	Fingerprint     int64
	ApplicationName string
	Since           time.Time
}

// ListFilter narrows List results. The zero value lists every live record.
type ListFilter struct {
	ApplicationName string
	IncludeDeleted  bool
	Limit           int
}

// Store is the contract every storage backend implements. The dedup
// coordinator is written entirely against this interface and never
// branches on backend identity.
//
// IncrementDuplicate must be a single atomic backend operation, not a
// read-then-write: concurrent captures of the same fingerprint from
// multiple processes may race on it, and the at-most-one-insert-per-window
// guarantee rests on its atomicity. An adapter that cannot guarantee this
// must document that concurrent load can produce extra rows.
//
// Adapters without a soft-deletion grace period treat SoftDelete as
// HardDelete. Every adapter supports HardDelete.
type Store interface {
	Ping(ctx context.Context) error

	// Insert persists a new record and assigns the backend key. The
	// record's GUID is the caller-visible identity.
	Insert(ctx context.Context, rec *models.ErrorRecord) error

	// IncrementDuplicate atomically finds a candidate per MatchCriteria,
	// increments its duplicate count and sets its last-seen time to now.
	// Returns the matched record's GUID and whether a match was found.
	IncrementDuplicate(ctx context.Context, m MatchCriteria, now time.Time) (uuid.UUID, bool, error)

	Get(ctx context.Context, guid uuid.UUID) (*models.ErrorRecord, error)

	// List returns a finite snapshot ordered by most-recent last-seen
	// first. Soft-deleted records are excluded unless IncludeDeleted.
	List(ctx context.Context, f ListFilter) ([]*models.ErrorRecord, error)

	// Protect and Unprotect are idempotent; repeating either on a record
	// already in the target state succeeds.
	Protect(ctx context.Context, guid uuid.UUID) error
	Unprotect(ctx context.Context, guid uuid.UUID) error

	// SoftDelete sets the deletion time. It refuses protected records
	// with ErrProtected unless force is set.
	SoftDelete(ctx context.Context, guid uuid.UUID, force bool) error

	// HardDelete permanently removes the record, protected or not.
	HardDelete(ctx context.Context, guid uuid.UUID) error

	// DeleteAll removes every non-protected record for an application.
	// Protected records are skipped, not an error.
	DeleteAll(ctx context.Context, applicationName string) error

	// Purge hard-deletes non-protected records whose last occurrence
	// predates before, returning how many were removed. Retention never
	// touches protected records.
	Purge(ctx context.Context, applicationName string, before time.Time) (int64, error)
}
