package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-confirm/internal/models"
)

// PostgresEventsRepository 监护事件Repository实现
type PostgresEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresEventsRepository 创建事件Repository
func NewPostgresEventsRepository(db *sql.DB, logger *zap.Logger) *PostgresEventsRepository {
	return &PostgresEventsRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ EventsRepository = (*PostgresEventsRepository)(nil)

// eventColumns SELECT/RETURNING 的统一列顺序
const eventColumns = `
	event_id::text,
	tenant_id::text,
	owner_id::text,
	status,
	event_type,
	confirmation_state,
	detected_at,
	proposed_status,
	proposed_event_type,
	proposed_reason,
	proposed_by,
	proposed_at,
	pending_until,
	acknowledged_by,
	acknowledged_at,
	metadata,
	created_at,
	updated_at`

// 清空提议字段的 SET 片段（confirm/reject/cancel 共用）
const clearProposalSet = `
	proposed_status = NULL,
	proposed_event_type = NULL,
	proposed_reason = NULL,
	proposed_by = NULL,
	proposed_at = NULL,
	pending_until = NULL`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEvent 扫描一行事件，组装提议子状态
// 提议字段仅在 CAREGIVER_UPDATED 状态下组装成 Proposal 结构
func scanEvent(row rowScanner) (*models.Event, error) {
	var event models.Event
	var confirmationState sql.NullString
	var proposedStatus, proposedEventType, proposedReason, proposedBy sql.NullString
	var proposedAt, pendingUntil sql.NullTime
	var acknowledgedBy sql.NullString
	var acknowledgedAt sql.NullTime
	var metadata []byte

	err := row.Scan(
		&event.EventID,
		&event.TenantID,
		&event.OwnerID,
		&event.Status,
		&event.EventType,
		&confirmationState,
		&event.DetectedAt,
		&proposedStatus,
		&proposedEventType,
		&proposedReason,
		&proposedBy,
		&proposedAt,
		&pendingUntil,
		&acknowledgedBy,
		&acknowledgedAt,
		&metadata,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 遗留行的 NULL/空状态视为 DETECTED
	if confirmationState.Valid && confirmationState.String != "" {
		event.ConfirmationState = models.ConfirmationState(confirmationState.String)
	} else {
		event.ConfirmationState = models.StateDetected
	}

	if proposedStatus.Valid && proposedBy.Valid && pendingUntil.Valid {
		p := &models.Proposal{
			ProposedStatus: models.EventStatus(proposedStatus.String),
			ProposedBy:     proposedBy.String,
			PendingUntil:   pendingUntil.Time,
		}
		if proposedEventType.Valid {
			et := models.EventType(proposedEventType.String)
			p.ProposedEventType = &et
		}
		if proposedReason.Valid {
			p.Reason = &proposedReason.String
		}
		if proposedAt.Valid {
			p.ProposedAt = proposedAt.Time
		}
		event.Proposal = p
	}

	if acknowledgedBy.Valid {
		event.AcknowledgedBy = &acknowledgedBy.String
	}
	if acknowledgedAt.Valid {
		event.AcknowledgedAt = &acknowledgedAt.Time
	}

	if len(metadata) > 0 {
		event.Metadata = metadata
	} else {
		event.Metadata = json.RawMessage("{}")
	}

	return &event, nil
}

// GetEvent 获取单个事件
func (r *PostgresEventsRepository) GetEvent(ctx context.Context, tenantID, eventID string) (*models.Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM events
		WHERE event_id = $1 AND tenant_id = $2
	`, eventColumns)

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID, tenantID))
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// CreateEvent 创建事件
func (r *PostgresEventsRepository) CreateEvent(ctx context.Context, event *models.Event) error {
	if event.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.ConfirmationState == "" {
		event.ConfirmationState = models.StateDetected
	}
	if len(event.Metadata) == 0 {
		event.Metadata = json.RawMessage("{}")
	}

	query := `
		INSERT INTO events (
			event_id, tenant_id, owner_id, status, event_type,
			confirmation_state, detected_at, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.TenantID,
		event.OwnerID,
		event.Status,
		event.EventType,
		event.ConfirmationState,
		event.DetectedAt,
		[]byte(event.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// ApplyProposal 条件更新：写入提议字段并迁移到 CAREGIVER_UPDATED
// WHERE confirmation_state ∈ expected；expected 含 DETECTED 时容忍 NULL/空状态
func (r *PostgresEventsRepository) ApplyProposal(
	ctx context.Context,
	tenantID, eventID string,
	expected []models.ConfirmationState,
	p models.Proposal,
	now time.Time,
) (*models.Event, bool, error) {
	if tenantID == "" || eventID == "" {
		return nil, false, fmt.Errorf("tenant_id and event_id are required")
	}
	if len(expected) == 0 {
		return nil, false, fmt.Errorf("expected states are required")
	}

	args := []interface{}{eventID, tenantID}
	argN := 3

	placeholders := make([]string, 0, len(expected))
	tolerateUnset := false
	for _, state := range expected {
		if state == models.StateDetected {
			tolerateUnset = true
		}
		placeholders = append(placeholders, fmt.Sprintf("$%d", argN))
		args = append(args, string(state))
		argN++
	}
	statePredicate := fmt.Sprintf("confirmation_state IN (%s)", strings.Join(placeholders, ", "))
	if tolerateUnset {
		statePredicate = "(" + statePredicate + " OR confirmation_state IS NULL OR confirmation_state = '')"
	}

	var proposedEventType interface{}
	if p.ProposedEventType != nil {
		proposedEventType = string(*p.ProposedEventType)
	}
	var reason interface{}
	if p.Reason != nil {
		reason = *p.Reason
	}

	query := fmt.Sprintf(`
		UPDATE events SET
			proposed_status = $%d,
			proposed_event_type = $%d,
			proposed_reason = $%d,
			proposed_by = $%d,
			proposed_at = $%d,
			pending_until = $%d,
			confirmation_state = '%s',
			updated_at = $%d
		WHERE event_id = $1 AND tenant_id = $2 AND %s
		RETURNING %s
	`, argN, argN+1, argN+2, argN+3, argN+4, argN+5,
		models.StateCaregiverUpdated, argN+6, statePredicate, eventColumns)

	args = append(args,
		string(p.ProposedStatus),
		proposedEventType,
		reason,
		p.ProposedBy,
		p.ProposedAt,
		p.PendingUntil,
		now,
	)

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		// 条件不满足：调用方重新查询区分 NotFound / Conflict
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply proposal: %w", err)
	}
	return event, true, nil
}

// ApplyConfirmation 条件更新：status = proposed_status，清空提议字段，
// 迁移到 CONFIRMED_BY_CUSTOMER。单条 UPDATE 保证原子性。
func (r *PostgresEventsRepository) ApplyConfirmation(
	ctx context.Context,
	tenantID, eventID, customerID string,
	now time.Time,
) (*models.Event, bool, error) {
	if tenantID == "" || eventID == "" {
		return nil, false, fmt.Errorf("tenant_id and event_id are required")
	}
	if customerID == "" {
		return nil, false, fmt.Errorf("customer_id is required")
	}

	query := fmt.Sprintf(`
		UPDATE events SET
			status = proposed_status,
			event_type = COALESCE(proposed_event_type, event_type),
			confirmation_state = '%s',
			%s,
			acknowledged_by = $3,
			acknowledged_at = $4,
			updated_at = $4
		WHERE event_id = $1 AND tenant_id = $2 AND confirmation_state = '%s'
		RETURNING %s
	`, models.StateConfirmedByCustomer, clearProposalSet, models.StateCaregiverUpdated, eventColumns)

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID, tenantID, customerID, now))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply confirmation: %w", err)
	}
	return event, true, nil
}

// ApplyRejection 条件更新：迁移到 REJECTED_BY_CUSTOMER，清空提议字段。
// status/event_type 从未被提议触碰，保持原值。
// acknowledgedBy 为 nil 表示系统过期处理（acknowledged_by 留空）。
func (r *PostgresEventsRepository) ApplyRejection(
	ctx context.Context,
	tenantID, eventID string,
	acknowledgedBy *string,
	now time.Time,
) (*models.Event, bool, error) {
	if tenantID == "" || eventID == "" {
		return nil, false, fmt.Errorf("tenant_id and event_id are required")
	}

	var ackBy interface{}
	if acknowledgedBy != nil {
		ackBy = *acknowledgedBy
	}

	query := fmt.Sprintf(`
		UPDATE events SET
			confirmation_state = '%s',
			%s,
			acknowledged_by = $3,
			acknowledged_at = $4,
			updated_at = $4
		WHERE event_id = $1 AND tenant_id = $2 AND confirmation_state = '%s'
		RETURNING %s
	`, models.StateRejectedByCustomer, clearProposalSet, models.StateCaregiverUpdated, eventColumns)

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID, tenantID, ackBy, now))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply rejection: %w", err)
	}
	return event, true, nil
}

// ApplyCancellation 条件更新：撤回提议，迁移回 DETECTED
// 额外谓词 proposed_by = caregiverID 保证只有提议人能撤回
func (r *PostgresEventsRepository) ApplyCancellation(
	ctx context.Context,
	tenantID, eventID, caregiverID string,
	now time.Time,
) (*models.Event, bool, error) {
	if tenantID == "" || eventID == "" {
		return nil, false, fmt.Errorf("tenant_id and event_id are required")
	}
	if caregiverID == "" {
		return nil, false, fmt.Errorf("caregiver_id is required")
	}

	query := fmt.Sprintf(`
		UPDATE events SET
			confirmation_state = '%s',
			%s,
			updated_at = $4
		WHERE event_id = $1 AND tenant_id = $2 AND confirmation_state = '%s' AND proposed_by = $3
		RETURNING %s
	`, models.StateDetected, clearProposalSet, models.StateCaregiverUpdated, eventColumns)

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID, tenantID, caregiverID, now))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply cancellation: %w", err)
	}
	return event, true, nil
}

// ListExpiredProposals 查询已超时的待确认提议（跨租户）
func (r *PostgresEventsRepository) ListExpiredProposals(ctx context.Context, now time.Time, limit int) ([]*models.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM events
		WHERE confirmation_state = '%s' AND pending_until <= $1
		ORDER BY pending_until ASC
		LIMIT $2
	`, eventColumns, models.StateCaregiverUpdated)

	return r.queryEvents(ctx, query, now, limit)
}

// ListExpiredEscalations 查询已超时且提议为危险升级的提议
// 升级定义：normal→warning, normal→danger, warning→danger
func (r *PostgresEventsRepository) ListExpiredEscalations(ctx context.Context, now time.Time, limit int) ([]*models.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM events
		WHERE confirmation_state = '%s' AND pending_until <= $1
		AND (
			(status = 'normal' AND proposed_status IN ('warning', 'danger'))
			OR (status = 'warning' AND proposed_status = 'danger')
		)
		ORDER BY pending_until ASC
		LIMIT $2
	`, eventColumns, models.StateCaregiverUpdated)

	return r.queryEvents(ctx, query, now, limit)
}

// ListAbandonCandidates 查询长期无响应且尚未标记的提议
func (r *PostgresEventsRepository) ListAbandonCandidates(ctx context.Context, olderThan time.Time, limit int) ([]*models.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM events
		WHERE confirmation_state = '%s'
		AND proposed_at <= $1
		AND (metadata->>'abandoned_at' IS NULL)
		ORDER BY proposed_at ASC
		LIMIT $2
	`, eventColumns, models.StateCaregiverUpdated)

	return r.queryEvents(ctx, query, olderThan, limit)
}

// MarkAbandoned 在 metadata 中记录 abandoned_at（仅分析用，不改确认状态）
func (r *PostgresEventsRepository) MarkAbandoned(ctx context.Context, tenantID, eventID string, now time.Time) error {
	if tenantID == "" || eventID == "" {
		return fmt.Errorf("tenant_id and event_id are required")
	}

	query := `
		UPDATE events SET
			metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{abandoned_at}', to_jsonb($3::text)),
			updated_at = $4
		WHERE event_id = $1 AND tenant_id = $2
	`
	result, err := r.db.ExecContext(ctx, query, eventID, tenantID, now.UTC().Format(time.RFC3339), now)
	if err != nil {
		return fmt.Errorf("failed to mark abandoned: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *PostgresEventsRepository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
