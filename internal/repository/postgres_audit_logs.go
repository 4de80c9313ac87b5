package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-confirm/internal/models"
)

// PostgresAuditLogsRepository 审计日志Repository实现
type PostgresAuditLogsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAuditLogsRepository 创建审计日志Repository
func NewPostgresAuditLogsRepository(db *sql.DB, logger *zap.Logger) *PostgresAuditLogsRepository {
	return &PostgresAuditLogsRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ AuditLogsRepository = (*PostgresAuditLogsRepository)(nil)

const auditColumns = `
	id::text,
	tenant_id::text,
	event_id::text,
	action,
	actor_id,
	actor_name,
	actor_role,
	previous_status,
	new_status,
	previous_event_type,
	new_event_type,
	previous_confirmation_state,
	new_confirmation_state,
	reason,
	metadata,
	response_time_minutes,
	is_first_action,
	created_at`

func scanAuditEntry(row rowScanner) (*models.AuditLogEntry, error) {
	var entry models.AuditLogEntry
	var actorID, actorName, actorRole sql.NullString
	var prevStatus, newStatus sql.NullString
	var prevType, newType sql.NullString
	var prevState, newState sql.NullString
	var reason sql.NullString
	var metadata []byte
	var responseTime sql.NullInt64

	err := row.Scan(
		&entry.ID,
		&entry.TenantID,
		&entry.EventID,
		&entry.Action,
		&actorID,
		&actorName,
		&actorRole,
		&prevStatus,
		&newStatus,
		&prevType,
		&newType,
		&prevState,
		&newState,
		&reason,
		&metadata,
		&responseTime,
		&entry.IsFirstAction,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if actorID.Valid {
		entry.ActorID = &actorID.String
	}
	if actorName.Valid {
		entry.ActorName = &actorName.String
	}
	if actorRole.Valid {
		entry.ActorRole = &actorRole.String
	}
	if prevStatus.Valid {
		s := models.EventStatus(prevStatus.String)
		entry.PreviousStatus = &s
	}
	if newStatus.Valid {
		s := models.EventStatus(newStatus.String)
		entry.NewStatus = &s
	}
	if prevType.Valid {
		t := models.EventType(prevType.String)
		entry.PreviousEventType = &t
	}
	if newType.Valid {
		t := models.EventType(newType.String)
		entry.NewEventType = &t
	}
	if prevState.Valid {
		s := models.ConfirmationState(prevState.String)
		entry.PreviousConfirmationState = &s
	}
	if newState.Valid {
		s := models.ConfirmationState(newState.String)
		entry.NewConfirmationState = &s
	}
	if reason.Valid {
		entry.Reason = &reason.String
	}
	if len(metadata) > 0 {
		entry.Metadata = metadata
	}
	if responseTime.Valid {
		n := int(responseTime.Int64)
		entry.ResponseTimeMinutes = &n
	}

	return &entry, nil
}

// Append 追加审计日志，结构化重复时跳过（幂等重试不产生重复日志）
func (r *PostgresAuditLogsRepository) Append(ctx context.Context, entry *models.AuditLogEntry) (bool, error) {
	if entry.TenantID == "" {
		return false, fmt.Errorf("tenant_id is required")
	}
	if entry.EventID == "" {
		return false, fmt.Errorf("event_id is required")
	}
	if entry.Action == "" {
		return false, fmt.Errorf("action is required")
	}

	// 与最近一条比较，结构化相同则跳过写入
	latest, err := r.GetLatest(ctx, entry.TenantID, entry.EventID)
	if err != nil {
		return false, err
	}
	if latest != nil && sameTransition(latest, entry) {
		r.logger.Debug("Skipping duplicate audit entry",
			zap.String("event_id", entry.EventID),
			zap.String("action", entry.Action),
		)
		return false, nil
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	var metadata interface{}
	if len(entry.Metadata) > 0 {
		metadata = []byte(entry.Metadata)
	} else {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (
			id, tenant_id, event_id, action,
			actor_id, actor_name, actor_role,
			previous_status, new_status,
			previous_event_type, new_event_type,
			previous_confirmation_state, new_confirmation_state,
			reason, metadata, response_time_minutes, is_first_action,
			created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9,
			$10, $11,
			$12, $13,
			$14, $15, $16, $17,
			$18
		)
	`
	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.EventID,
		entry.Action,
		nullableString(entry.ActorID),
		nullableString(entry.ActorName),
		nullableString(entry.ActorRole),
		nullableStatus(entry.PreviousStatus),
		nullableStatus(entry.NewStatus),
		nullableType(entry.PreviousEventType),
		nullableType(entry.NewEventType),
		nullableState(entry.PreviousConfirmationState),
		nullableState(entry.NewConfirmationState),
		nullableString(entry.Reason),
		metadata,
		nullableInt(entry.ResponseTimeMinutes),
		entry.IsFirstAction,
		entry.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append audit log: %w", err)
	}
	return true, nil
}

// GetLatest 获取事件的最近一条审计日志
func (r *PostgresAuditLogsRepository) GetLatest(ctx context.Context, tenantID, eventID string) (*models.AuditLogEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_logs
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, auditColumns)

	entry, err := scanAuditEntry(r.db.QueryRowContext(ctx, query, tenantID, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest audit log: %w", err)
	}
	return entry, nil
}

// ListByEvent 按时间倒序查询事件的审计历史
func (r *PostgresAuditLogsRepository) ListByEvent(ctx context.Context, tenantID, eventID string, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_logs
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, auditColumns)

	rows, err := r.db.QueryContext(ctx, query, tenantID, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	entries := []*models.AuditLogEntry{}
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}

// CountByActor 统计某操作者在该事件上的日志条数
func (r *PostgresAuditLogsRepository) CountByActor(ctx context.Context, tenantID, eventID, actorID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM audit_logs
		WHERE tenant_id = $1 AND event_id = $2 AND actor_id = $3
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, tenantID, eventID, actorID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableStatus(s *models.EventStatus) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableType(t *models.EventType) interface{} {
	if t == nil {
		return nil
	}
	return string(*t)
}

func nullableState(s *models.ConfirmationState) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
