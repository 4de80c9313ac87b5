package models

import (
	"encoding/json"
	"time"
)

// 审计动作（对应 audit_logs.action）
const (
	AuditActionProposed          = "proposed"
	AuditActionConfirmed         = "confirmed"
	AuditActionRejected          = "rejected"
	AuditActionCancelled         = "cancelled"
	AuditActionAutoRejected      = "auto_rejected"
	AuditActionCaregiverAssigned = "caregiver_assigned"
	AuditActionAbandoned         = "abandoned"
)

// 审计角色
const (
	AuditRoleCaregiver = "caregiver"
	AuditRoleCustomer  = "customer"
	AuditRoleSystem    = "system"
)

// AuditLogEntry 审计日志条目（对应 audit_logs 表，仅追加）
// 日志是历史真相的唯一来源；事件行上的字段只是"最新状态"投影
type AuditLogEntry struct {
	ID                        string             `json:"id" db:"id"`
	TenantID                  string             `json:"tenant_id" db:"tenant_id"`
	EventID                   string             `json:"event_id" db:"event_id"`
	Action                    string             `json:"action" db:"action"`
	ActorID                   *string            `json:"actor_id,omitempty" db:"actor_id"`
	ActorName                 *string            `json:"actor_name,omitempty" db:"actor_name"`
	ActorRole                 *string            `json:"actor_role,omitempty" db:"actor_role"`
	PreviousStatus            *EventStatus       `json:"previous_status,omitempty" db:"previous_status"`
	NewStatus                 *EventStatus       `json:"new_status,omitempty" db:"new_status"`
	PreviousEventType         *EventType         `json:"previous_event_type,omitempty" db:"previous_event_type"`
	NewEventType              *EventType         `json:"new_event_type,omitempty" db:"new_event_type"`
	PreviousConfirmationState *ConfirmationState `json:"previous_confirmation_state,omitempty" db:"previous_confirmation_state"`
	NewConfirmationState      *ConfirmationState `json:"new_confirmation_state,omitempty" db:"new_confirmation_state"`
	Reason                    *string            `json:"reason,omitempty" db:"reason"`
	Metadata                  json.RawMessage    `json:"metadata,omitempty" db:"metadata"`
	ResponseTimeMinutes       *int               `json:"response_time_minutes,omitempty" db:"response_time_minutes"`
	IsFirstAction             bool               `json:"is_first_action" db:"is_first_action"`
	CreatedAt                 time.Time          `json:"created_at" db:"created_at"`
}
