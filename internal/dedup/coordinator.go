// Package dedup folds recurrences of the same error into one stored
// record and drives the capture-to-persistence path around it.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opserve/errlog/internal/store"
	"github.com/opserve/errlog/pkg/models"
)

// Resolution is the outcome of resolving one captured record against a
// backend.
type Resolution struct {
	// Updated is true when the record was folded into an existing one as
	// a duplicate; false when it was inserted as new.
	Updated bool
	// GUID identifies the canonical stored record: the matched record on
	// a fold, the new record on an insert.
	GUID uuid.UUID
}

// Coordinator decides, per capture, whether to insert a new record or
// increment an existing one. It is backend-agnostic: race safety under
// concurrent captures of the same fingerprint rests entirely on the
// backend's atomic IncrementDuplicate, never on a client-side lock, since
// independent processes may share one backend.
type Coordinator struct {
	window time.Duration
}

// NewCoordinator creates a Coordinator with the given rollup window.
func NewCoordinator(window time.Duration) *Coordinator {
	return &Coordinator{window: window}
}

// Window returns the configured rollup window.
func (c *Coordinator) Window() time.Duration {
	return c.window
}

// Resolve folds rec into an existing live record when one with the same
// fingerprint and application was seen within the rollup window; the new
// record's own context is discarded and the original stays canonical.
// Otherwise rec is inserted as-is with duplicate count 1. Records without
// a fingerprint are always inserted.
func (c *Coordinator) Resolve(ctx context.Context, st store.Store, rec *models.ErrorRecord) (Resolution, error) {
	if rec.Fingerprint != nil {
		m := store.MatchCriteria{
			Fingerprint:     *rec.Fingerprint,
			ApplicationName: rec.ApplicationName,
			Since:           rec.LastSeenAt.Add(-c.window),
		}
		guid, matched, err := st.IncrementDuplicate(ctx, m, rec.LastSeenAt)
		if err != nil {
			return Resolution{}, fmt.Errorf("match duplicate: %w", err)
		}
		if matched {
			return Resolution{Updated: true, GUID: guid}, nil
		}
	}

	if err := st.Insert(ctx, rec); err != nil {
		return Resolution{}, fmt.Errorf("insert record: %w", err)
	}
	return Resolution{GUID: rec.GUID}, nil
}
