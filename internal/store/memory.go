package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opserve/errlog/pkg/models"
)

// MemoryStore implements the Store interface in process memory. It is the
// reference implementation for the contract tests and the backend for
// zero-infrastructure deployments. All operations hold one mutex, which
// makes IncrementDuplicate atomic within the process; memory storage is by
// nature single-process, so that is the whole atomicity domain.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.ErrorRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*models.ErrorRecord)}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec *models.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.GUID] = &cp
	return nil
}

func (s *MemoryStore) IncrementDuplicate(ctx context.Context, m MatchCriteria, now time.Time) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Most recently seen candidate wins, matching the SQL adapter.
	var best *models.ErrorRecord
	for _, rec := range s.records {
		if rec.Fingerprint == nil || *rec.Fingerprint != m.Fingerprint {
			continue
		}
		if rec.ApplicationName != m.ApplicationName {
			continue
		}
		if rec.IsDeleted() || rec.IsProtected {
			continue
		}
		if rec.LastSeenAt.Before(m.Since) {
			continue
		}
		if best == nil || rec.LastSeenAt.After(best.LastSeenAt) {
			best = rec
		}
	}
	if best == nil {
		return uuid.Nil, false, nil
	}

	best.DuplicateCount++
	best.LastSeenAt = now
	return best.GUID, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, guid uuid.UUID) (*models.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[guid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]*models.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ErrorRecord, 0, len(s.records))
	for _, rec := range s.records {
		if f.ApplicationName != "" && rec.ApplicationName != f.ApplicationName {
			continue
		}
		if rec.IsDeleted() && !f.IncludeDeleted {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Protect(ctx context.Context, guid uuid.UUID) error {
	return s.setProtected(guid, true)
}

func (s *MemoryStore) Unprotect(ctx context.Context, guid uuid.UUID) error {
	return s.setProtected(guid, false)
}

func (s *MemoryStore) setProtected(guid uuid.UUID, protected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[guid]
	if !ok {
		return ErrNotFound
	}
	rec.IsProtected = protected
	return nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, guid uuid.UUID, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[guid]
	if !ok {
		return ErrNotFound
	}
	if rec.IsProtected && !force {
		return ErrProtected
	}
	if rec.DeletedAt == nil {
		now := time.Now().UTC()
		rec.DeletedAt = &now
	}
	return nil
}

func (s *MemoryStore) HardDelete(ctx context.Context, guid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[guid]; !ok {
		return ErrNotFound
	}
	delete(s.records, guid)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, applicationName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for guid, rec := range s.records {
		if rec.ApplicationName != applicationName || rec.IsProtected {
			continue
		}
		delete(s.records, guid)
	}
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, applicationName string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for guid, rec := range s.records {
		if applicationName != "" && rec.ApplicationName != applicationName {
			continue
		}
		if rec.IsProtected || !rec.LastSeenAt.Before(before) {
			continue
		}
		delete(s.records, guid)
		purged++
	}
	return purged, nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
