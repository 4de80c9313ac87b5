package repository

import (
	"context"

	"wisefido-confirm/internal/models"
)

// AuditLogsRepository 审计日志Repository接口（仅追加）
// Append 在写入前与该事件的最近一条日志做结构化比较，
// 语义字段完全相同时跳过写入（幂等重试不产生重复日志）。
type AuditLogsRepository interface {
	// Append 追加一条审计日志；结构化重复时跳过，返回 inserted=false
	Append(ctx context.Context, entry *models.AuditLogEntry) (inserted bool, err error)

	// GetLatest 获取事件的最近一条审计日志（无日志时返回 nil, nil）
	GetLatest(ctx context.Context, tenantID, eventID string) (*models.AuditLogEntry, error)

	// ListByEvent 按时间倒序查询事件的审计历史
	ListByEvent(ctx context.Context, tenantID, eventID string, limit int) ([]*models.AuditLogEntry, error)

	// CountByActor 统计某操作者在该事件上的日志条数（用于首次操作判定）
	CountByActor(ctx context.Context, tenantID, eventID, actorID string) (int, error)
}

// sameTransition 结构化比较两条审计日志的语义字段
// 比较范围：action、前后 status、前后 event_type、前后确认状态、reason、
// 以及 metadata 的规范化（键顺序无关）比较。
// actor、时间戳等字段不参与比较：同一迁移被重试时这些字段可能不同。
func sameTransition(a, b *models.AuditLogEntry) bool {
	if a == nil || b == nil {
		return false
	}
	if a.EventID != b.EventID || a.Action != b.Action {
		return false
	}
	if !equalStatusPtr(a.PreviousStatus, b.PreviousStatus) || !equalStatusPtr(a.NewStatus, b.NewStatus) {
		return false
	}
	if !equalTypePtr(a.PreviousEventType, b.PreviousEventType) || !equalTypePtr(a.NewEventType, b.NewEventType) {
		return false
	}
	if !equalStatePtr(a.PreviousConfirmationState, b.PreviousConfirmationState) ||
		!equalStatePtr(a.NewConfirmationState, b.NewConfirmationState) {
		return false
	}
	if !equalStringPtr(a.Reason, b.Reason) {
		return false
	}
	return canonicalJSONEqual(a.Metadata, b.Metadata)
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalStatusPtr(a, b *models.EventStatus) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalTypePtr(a, b *models.EventType) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalStatePtr(a, b *models.ConfirmationState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
