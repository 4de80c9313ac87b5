package repository

import (
	"context"
	"errors"
	"time"

	"wisefido-confirm/internal/models"
)

// ErrEventNotFound 事件不存在
var ErrEventNotFound = errors.New("event not found")

// EventsRepository 监护事件Repository接口
// 所有状态迁移方法采用条件更新（CAS）：UPDATE ... WHERE confirmation_state = <期望状态>，
// 零行受影响时返回 ok=false，由调用方重新查询区分 NotFound / Conflict。
// confirmation_state 字段本身就是并发令牌，不需要额外的版本号。
type EventsRepository interface {
	// 获取单个事件
	GetEvent(ctx context.Context, tenantID, eventID string) (*models.Event, error)

	// 创建事件（由上游检测管道写入；本服务仅在测试/修复工具中使用）
	CreateEvent(ctx context.Context, event *models.Event) error

	// ApplyProposal 写入提议子状态并迁移到 CAREGIVER_UPDATED
	// expected 中包含 DETECTED 时，同时容忍 NULL/空状态（遗留行）
	ApplyProposal(ctx context.Context, tenantID, eventID string, expected []models.ConfirmationState, p models.Proposal, now time.Time) (*models.Event, bool, error)

	// ApplyConfirmation 原子地将 proposed_status 拷贝到 status
	// （proposed_event_type 存在时拷贝到 event_type），清空提议字段，
	// 迁移到 CONFIRMED_BY_CUSTOMER，记录 acknowledged_by/at
	ApplyConfirmation(ctx context.Context, tenantID, eventID, customerID string, now time.Time) (*models.Event, bool, error)

	// ApplyRejection 迁移到 REJECTED_BY_CUSTOMER，清空提议字段，
	// status/event_type 保持不变。acknowledgedBy 为 nil 表示系统过期处理
	ApplyRejection(ctx context.Context, tenantID, eventID string, acknowledgedBy *string, now time.Time) (*models.Event, bool, error)

	// ApplyCancellation 撤回提议，迁移回 DETECTED
	// 额外谓词 proposed_by = caregiverID：只有提议人可以撤回
	ApplyCancellation(ctx context.Context, tenantID, eventID, caregiverID string, now time.Time) (*models.Event, bool, error)

	// ListExpiredProposals 查询所有已超时的待确认提议（跨租户，供扫描器使用）
	ListExpiredProposals(ctx context.Context, now time.Time, limit int) ([]*models.Event, error)

	// ListExpiredEscalations 查询已超时且提议方向为危险升级的提议
	// （normal→warning, normal→danger, warning→danger）
	ListExpiredEscalations(ctx context.Context, now time.Time, limit int) ([]*models.Event, error)

	// ListAbandonCandidates 查询长期无响应且尚未标记的提议（仅用于分析）
	ListAbandonCandidates(ctx context.Context, olderThan time.Time, limit int) ([]*models.Event, error)

	// MarkAbandoned 在 metadata 中记录 abandoned_at，不改变确认状态
	MarkAbandoned(ctx context.Context, tenantID, eventID string, now time.Time) error
}
