package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"wisefido-confirm/internal/models"
)

// MemoryAuditLogsRepository keeps audit entries in memory, newest last.
// Mirrors the Postgres no-op suppression: an entry structurally identical to
// the latest one for the same event is dropped.
type MemoryAuditLogsRepository struct {
	mu      sync.RWMutex
	entries []*models.AuditLogEntry
}

func NewMemoryAuditLogsRepository() *MemoryAuditLogsRepository {
	return &MemoryAuditLogsRepository{}
}

var _ AuditLogsRepository = (*MemoryAuditLogsRepository)(nil)

func cloneAuditEntry(e *models.AuditLogEntry) *models.AuditLogEntry {
	out := *e
	return &out
}

func (r *MemoryAuditLogsRepository) Append(_ context.Context, entry *models.AuditLogEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := r.latestLocked(entry.TenantID, entry.EventID)
	if latest != nil && sameTransition(latest, entry) {
		return false, nil
	}

	stored := cloneAuditEntry(entry)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	r.entries = append(r.entries, stored)
	return true, nil
}

func (r *MemoryAuditLogsRepository) latestLocked(tenantID, eventID string) *models.AuditLogEntry {
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.TenantID == tenantID && e.EventID == eventID {
			return e
		}
	}
	return nil
}

func (r *MemoryAuditLogsRepository) GetLatest(_ context.Context, tenantID, eventID string) (*models.AuditLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := r.latestLocked(tenantID, eventID)
	if latest == nil {
		return nil, nil
	}
	return cloneAuditEntry(latest), nil
}

func (r *MemoryAuditLogsRepository) ListByEvent(_ context.Context, tenantID, eventID string, limit int) ([]*models.AuditLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	out := []*models.AuditLogEntry{}
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.entries[i]
		if e.TenantID == tenantID && e.EventID == eventID {
			out = append(out, cloneAuditEntry(e))
		}
	}
	return out, nil
}

func (r *MemoryAuditLogsRepository) CountByActor(_ context.Context, tenantID, eventID, actorID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.entries {
		if e.TenantID == tenantID && e.EventID == eventID && e.ActorID != nil && *e.ActorID == actorID {
			count++
		}
	}
	return count, nil
}
