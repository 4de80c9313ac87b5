package models

import (
	"encoding/json"
	"time"
)

// EventStatus 事件状态级别
type EventStatus string

const (
	StatusNormal  EventStatus = "normal"
	StatusWarning EventStatus = "warning"
	StatusDanger  EventStatus = "danger"
)

// Valid 检查状态值是否合法
func (s EventStatus) Valid() bool {
	switch s {
	case StatusNormal, StatusWarning, StatusDanger:
		return true
	}
	return false
}

// EventType 事件类型（来自上游视觉检测管道）
type EventType string

const (
	EventTypeFall             EventType = "fall"
	EventTypeAbnormalBehavior EventType = "abnormal_behavior"
	EventTypeEmergency        EventType = "emergency"
	EventTypeNormalActivity   EventType = "normal_activity"
	EventTypeSleep            EventType = "sleep"
)

// Valid 检查事件类型是否合法
func (t EventType) Valid() bool {
	switch t {
	case EventTypeFall, EventTypeAbnormalBehavior, EventTypeEmergency,
		EventTypeNormalActivity, EventTypeSleep:
		return true
	}
	return false
}

// ConfirmationState 确认状态机的状态
// 状态决定哪些操作合法：
// - DETECTED: 可发起提议
// - CAREGIVER_UPDATED: 有一个待确认的提议，可 confirm/reject/cancel/expire
// - CONFIRMED_BY_CUSTOMER: 本轮已确认，阻止新提议
// - REJECTED_BY_CUSTOMER: 已拒绝，可重新发起提议
type ConfirmationState string

const (
	StateDetected            ConfirmationState = "DETECTED"
	StateCaregiverUpdated    ConfirmationState = "CAREGIVER_UPDATED"
	StateConfirmedByCustomer ConfirmationState = "CONFIRMED_BY_CUSTOMER"
	StateRejectedByCustomer  ConfirmationState = "REJECTED_BY_CUSTOMER"
)

// IsEscalation 判断 from → to 是否为向危险方向的升级
// （normal→warning, normal→danger, warning→danger）
func IsEscalation(from, to EventStatus) bool {
	rank := map[EventStatus]int{
		StatusNormal:  0,
		StatusWarning: 1,
		StatusDanger:  2,
	}
	return rank[to] > rank[from]
}

// Proposal 提议子状态（仅在 CAREGIVER_UPDATED 状态下非空）
// 设计约束：提议字段整体存在或整体为空，由确认状态决定
type Proposal struct {
	ProposedStatus    EventStatus `json:"proposed_status"`
	ProposedEventType *EventType  `json:"proposed_event_type,omitempty"`
	Reason            *string     `json:"reason,omitempty"`
	ProposedBy        string      `json:"proposed_by"`
	ProposedAt        time.Time   `json:"proposed_at"`
	PendingUntil      time.Time   `json:"pending_until"`
}

// Event 监护事件（对应 events 表）
type Event struct {
	EventID           string            `json:"event_id" db:"event_id"`
	TenantID          string            `json:"tenant_id" db:"tenant_id"`
	OwnerID           string            `json:"owner_id" db:"owner_id"`
	Status            EventStatus       `json:"status" db:"status"`
	EventType         EventType         `json:"event_type" db:"event_type"`
	ConfirmationState ConfirmationState `json:"confirmation_state" db:"confirmation_state"`
	DetectedAt        time.Time         `json:"detected_at" db:"detected_at"`
	Proposal          *Proposal         `json:"proposal,omitempty"`
	AcknowledgedBy    *string           `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt    *time.Time        `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	Metadata          json.RawMessage   `json:"metadata" db:"metadata"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// HasPendingProposal 是否存在待确认的提议
func (e *Event) HasPendingProposal() bool {
	return e.ConfirmationState == StateCaregiverUpdated && e.Proposal != nil
}

// ProposalExpired 待确认提议是否已超时
func (e *Event) ProposalExpired(now time.Time) bool {
	return e.HasPendingProposal() && !e.Proposal.PendingUntil.After(now)
}
