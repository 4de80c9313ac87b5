package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wisefido-confirm/internal/models"
)

// MemoryEventsRepository keeps events in a mutex-guarded map.
// It satisfies the same conditional-update contract as the Postgres
// implementation (state check and mutation under one lock), which makes it
// usable both for service tests and for DB-less deployments.
type MemoryEventsRepository struct {
	mu     sync.RWMutex
	events map[string]*models.Event // eventID -> Event
}

func NewMemoryEventsRepository() *MemoryEventsRepository {
	return &MemoryEventsRepository{
		events: map[string]*models.Event{},
	}
}

var _ EventsRepository = (*MemoryEventsRepository)(nil)

func cloneEvent(e *models.Event) *models.Event {
	out := *e
	if e.Proposal != nil {
		p := *e.Proposal
		out.Proposal = &p
	}
	if e.AcknowledgedBy != nil {
		v := *e.AcknowledgedBy
		out.AcknowledgedBy = &v
	}
	if e.AcknowledgedAt != nil {
		v := *e.AcknowledgedAt
		out.AcknowledgedAt = &v
	}
	if len(e.Metadata) > 0 {
		out.Metadata = append(json.RawMessage{}, e.Metadata...)
	}
	return &out
}

func (r *MemoryEventsRepository) GetEvent(_ context.Context, tenantID, eventID string) (*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.events[eventID]
	if !ok || e.TenantID != tenantID {
		return nil, ErrEventNotFound
	}
	return cloneEvent(e), nil
}

func (r *MemoryEventsRepository) CreateEvent(_ context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.ConfirmationState == "" {
		event.ConfirmationState = models.StateDetected
	}
	if len(event.Metadata) == 0 {
		event.Metadata = json.RawMessage("{}")
	}
	now := time.Now()
	event.CreatedAt = now
	event.UpdatedAt = now
	r.events[event.EventID] = cloneEvent(event)
	return nil
}

func (r *MemoryEventsRepository) ApplyProposal(
	_ context.Context,
	tenantID, eventID string,
	expected []models.ConfirmationState,
	p models.Proposal,
	now time.Time,
) (*models.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok || e.TenantID != tenantID {
		return nil, false, nil
	}

	matched := false
	for _, state := range expected {
		if e.ConfirmationState == state {
			matched = true
			break
		}
		// legacy rows with unset state count as DETECTED
		if state == models.StateDetected && e.ConfirmationState == "" {
			matched = true
			break
		}
	}
	if !matched {
		return nil, false, nil
	}

	e.Proposal = &models.Proposal{
		ProposedStatus:    p.ProposedStatus,
		ProposedEventType: p.ProposedEventType,
		Reason:            p.Reason,
		ProposedBy:        p.ProposedBy,
		ProposedAt:        p.ProposedAt,
		PendingUntil:      p.PendingUntil,
	}
	e.ConfirmationState = models.StateCaregiverUpdated
	e.UpdatedAt = now
	return cloneEvent(e), true, nil
}

func (r *MemoryEventsRepository) ApplyConfirmation(
	_ context.Context,
	tenantID, eventID, customerID string,
	now time.Time,
) (*models.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok || e.TenantID != tenantID {
		return nil, false, nil
	}
	if e.ConfirmationState != models.StateCaregiverUpdated || e.Proposal == nil {
		return nil, false, nil
	}

	e.Status = e.Proposal.ProposedStatus
	if e.Proposal.ProposedEventType != nil {
		e.EventType = *e.Proposal.ProposedEventType
	}
	e.Proposal = nil
	e.ConfirmationState = models.StateConfirmedByCustomer
	ackBy := customerID
	ackAt := now
	e.AcknowledgedBy = &ackBy
	e.AcknowledgedAt = &ackAt
	e.UpdatedAt = now
	return cloneEvent(e), true, nil
}

func (r *MemoryEventsRepository) ApplyRejection(
	_ context.Context,
	tenantID, eventID string,
	acknowledgedBy *string,
	now time.Time,
) (*models.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok || e.TenantID != tenantID {
		return nil, false, nil
	}
	if e.ConfirmationState != models.StateCaregiverUpdated {
		return nil, false, nil
	}

	// status/event_type are never touched by a proposal, nothing to restore
	e.Proposal = nil
	e.ConfirmationState = models.StateRejectedByCustomer
	if acknowledgedBy != nil {
		v := *acknowledgedBy
		e.AcknowledgedBy = &v
	} else {
		e.AcknowledgedBy = nil
	}
	ackAt := now
	e.AcknowledgedAt = &ackAt
	e.UpdatedAt = now
	return cloneEvent(e), true, nil
}

func (r *MemoryEventsRepository) ApplyCancellation(
	_ context.Context,
	tenantID, eventID, caregiverID string,
	now time.Time,
) (*models.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok || e.TenantID != tenantID {
		return nil, false, nil
	}
	if e.ConfirmationState != models.StateCaregiverUpdated || e.Proposal == nil {
		return nil, false, nil
	}
	if e.Proposal.ProposedBy != caregiverID {
		return nil, false, nil
	}

	e.Proposal = nil
	e.ConfirmationState = models.StateDetected
	e.UpdatedAt = now
	return cloneEvent(e), true, nil
}

func (r *MemoryEventsRepository) ListExpiredProposals(_ context.Context, now time.Time, limit int) ([]*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.Event{}
	for _, e := range r.events {
		if e.ProposalExpired(now) {
			out = append(out, cloneEvent(e))
		}
	}
	sortByPendingUntil(out)
	return truncateEvents(out, limit), nil
}

func (r *MemoryEventsRepository) ListExpiredEscalations(_ context.Context, now time.Time, limit int) ([]*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.Event{}
	for _, e := range r.events {
		if e.ProposalExpired(now) && models.IsEscalation(e.Status, e.Proposal.ProposedStatus) {
			out = append(out, cloneEvent(e))
		}
	}
	sortByPendingUntil(out)
	return truncateEvents(out, limit), nil
}

func (r *MemoryEventsRepository) ListAbandonCandidates(_ context.Context, olderThan time.Time, limit int) ([]*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.Event{}
	for _, e := range r.events {
		if !e.HasPendingProposal() || e.Proposal.ProposedAt.After(olderThan) {
			continue
		}
		var meta map[string]any
		if len(e.Metadata) > 0 {
			_ = json.Unmarshal(e.Metadata, &meta)
		}
		if meta != nil {
			if _, flagged := meta["abandoned_at"]; flagged {
				continue
			}
		}
		out = append(out, cloneEvent(e))
	}
	sortByPendingUntil(out)
	return truncateEvents(out, limit), nil
}

func (r *MemoryEventsRepository) MarkAbandoned(_ context.Context, tenantID, eventID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok || e.TenantID != tenantID {
		return ErrEventNotFound
	}

	meta := map[string]any{}
	if len(e.Metadata) > 0 {
		_ = json.Unmarshal(e.Metadata, &meta)
	}
	meta["abandoned_at"] = now.UTC().Format(time.RFC3339)
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	e.Metadata = raw
	e.UpdatedAt = now
	return nil
}

func sortByPendingUntil(events []*models.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Proposal.PendingUntil.Before(events[j].Proposal.PendingUntil)
	})
}

func truncateEvents(events []*models.Event, limit int) []*models.Event {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}
