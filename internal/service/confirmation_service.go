package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-confirm/internal/models"
	"wisefido-confirm/internal/notifier"
	"wisefido-confirm/internal/repository"
	"wisefido-confirm/internal/timewindow"
)

// MaxReasonLength 提议/拒绝理由的最大长度
const MaxReasonLength = 240

// Clock 可注入的时钟（测试用）
type Clock func() time.Time

// ConfirmationService 确认状态机
// 职责：
// 1. 前置条件与输入验证（任何写入之前）
// 2. 通过 Repository 的条件更新（CAS）执行原子状态迁移
// 3. 迁移成功后追加审计日志（尽力而为，失败只记日志）
// 4. 暂存通知，迁移落库后才发送（失败的迁移绝不触发通知）
type ConfirmationService struct {
	events   repository.EventsRepository
	audits   repository.AuditLogsRepository
	notifier notifier.Notifier
	clock    Clock
	logger   *zap.Logger
}

// NewConfirmationService 创建确认状态机
// notifier/clock/logger 为 nil 时使用无操作默认值（协作者缺失不致崩溃）
func NewConfirmationService(
	events repository.EventsRepository,
	audits repository.AuditLogsRepository,
	n notifier.Notifier,
	clock Clock,
	logger *zap.Logger,
) *ConfirmationService {
	if n == nil {
		n = notifier.NopNotifier{}
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfirmationService{
		events:   events,
		audits:   audits,
		notifier: n,
		clock:    clock,
		logger:   logger,
	}
}

// stagedNotification 暂存的通知（状态迁移提交后才发送）
type stagedNotification struct {
	userID string
	title  string
	body   string
	data   map[string]string
}

// GetEvent 获取单个事件
func (s *ConfirmationService) GetEvent(ctx context.Context, tenantID, eventID string) (*models.Event, error) {
	if tenantID == "" || eventID == "" {
		return nil, ValidationError("tenant_id and event_id are required")
	}
	event, err := s.events.GetEvent(ctx, tenantID, eventID)
	if errors.Is(err, repository.ErrEventNotFound) {
		return nil, NotFoundError("event %s not found", eventID)
	}
	if err != nil {
		return nil, InternalError(err, "failed to get event")
	}
	return event, nil
}

// ListAuditLog 查询事件的审计历史
func (s *ConfirmationService) ListAuditLog(ctx context.Context, tenantID, eventID string, limit int) ([]*models.AuditLogEntry, error) {
	if tenantID == "" || eventID == "" {
		return nil, ValidationError("tenant_id and event_id are required")
	}
	entries, err := s.audits.ListByEvent(ctx, tenantID, eventID, limit)
	if err != nil {
		return nil, InternalError(err, "failed to list audit log")
	}
	return entries, nil
}

// Propose 护理人员发起分类变更提议
// 前置条件：确认状态 ∈ {DETECTED, REJECTED_BY_CUSTOMER}（容忍遗留空状态）；
// 操作窗口未关闭；截止时间策略通过。
// 效果：写入提议子状态，迁移到 CAREGIVER_UPDATED。status/event_type 不变。
func (s *ConfirmationService) Propose(
	ctx context.Context,
	tenantID, eventID, caregiverID string,
	proposedStatus models.EventStatus,
	ttl time.Duration,
	reason *string,
	proposedType *models.EventType,
) (*models.Event, error) {
	// 任何写入前的输入验证
	if tenantID == "" || eventID == "" || caregiverID == "" {
		return nil, ValidationError("tenant_id, event_id and caregiver_id are required")
	}
	if !proposedStatus.Valid() {
		return nil, ValidationError("invalid proposed status %q", proposedStatus)
	}
	if proposedType != nil && !proposedType.Valid() {
		return nil, ValidationError("invalid proposed event type %q", *proposedType)
	}
	if reason != nil && len(*reason) > MaxReasonLength {
		return nil, ValidationError("reason exceeds %d characters", MaxReasonLength)
	}
	if ttl <= 0 {
		return nil, ValidationError("ttl must be positive")
	}

	now := s.clock()

	current, err := s.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}

	// 前置状态检查（CAS 之前给出精确错误；竞态由 CAS 兜底）
	switch current.ConfirmationState {
	case models.StateCaregiverUpdated:
		return nil, ConflictError("event %s already has a pending proposal", eventID)
	case models.StateConfirmedByCustomer:
		return nil, ConflictError("event %s is already confirmed by customer", eventID)
	}

	// 时间窗口策略：窗口关闭或剩余不足响应缓冲时拒绝创建提议
	deadline, err := timewindow.PendingDeadline(current.DetectedAt, now, ttl)
	if err != nil {
		return nil, ValidationError("cannot create proposal: %v", err)
	}

	proposal := models.Proposal{
		ProposedStatus:    proposedStatus,
		ProposedEventType: proposedType,
		Reason:            reason,
		ProposedBy:        caregiverID,
		ProposedAt:        now,
		PendingUntil:      deadline,
	}

	expected := []models.ConfirmationState{models.StateDetected, models.StateRejectedByCustomer}
	updated, ok, err := s.events.ApplyProposal(ctx, tenantID, eventID, expected, proposal, now)
	if err != nil {
		return nil, InternalError(err, "failed to apply proposal")
	}
	if !ok {
		// 零行受影响：输掉了竞态，重新查询区分 NotFound / Conflict
		return nil, s.classifyLostRace(ctx, tenantID, eventID, "a proposal can only start from DETECTED or REJECTED_BY_CUSTOMER")
	}

	// 首次操作判定：该护理人员在此事件上没有任何审计记录时，
	// 额外记录 caregiver_assigned（区分"新接手"与"重复提议"）
	firstAction := false
	if count, cntErr := s.audits.CountByActor(ctx, tenantID, eventID, caregiverID); cntErr != nil {
		s.logger.Error("Failed to count caregiver actions",
			zap.String("event_id", eventID),
			zap.Error(cntErr),
		)
	} else if count == 0 {
		firstAction = true
	}

	role := models.AuditRoleCaregiver
	if firstAction {
		s.appendAudit(ctx, &models.AuditLogEntry{
			TenantID:                  tenantID,
			EventID:                   eventID,
			Action:                    models.AuditActionCaregiverAssigned,
			ActorID:                   &caregiverID,
			ActorRole:                 &role,
			PreviousConfirmationState: statePtr(current.ConfirmationState),
			NewConfirmationState:      statePtr(models.StateCaregiverUpdated),
			IsFirstAction:             true,
			CreatedAt:                 now,
		})
	}

	s.appendAudit(ctx, &models.AuditLogEntry{
		TenantID:                  tenantID,
		EventID:                   eventID,
		Action:                    models.AuditActionProposed,
		ActorID:                   &caregiverID,
		ActorRole:                 &role,
		PreviousStatus:            statusPtr(current.Status),
		NewStatus:                 statusPtr(proposedStatus),
		PreviousEventType:         typePtr(current.EventType),
		NewEventType:              proposedType,
		PreviousConfirmationState: statePtr(current.ConfirmationState),
		NewConfirmationState:      statePtr(models.StateCaregiverUpdated),
		Reason:                    reason,
		Metadata:                  mustJSON(map[string]any{"pending_until": deadline.UTC().Format(time.RFC3339)}),
		IsFirstAction:             firstAction,
		CreatedAt:                 now,
	})

	// 迁移已落库，通知事件归属的客户
	s.flushNotifications(ctx, []stagedNotification{{
		userID: updated.OwnerID,
		title:  "Status change proposed",
		body:   fmt.Sprintf("A caregiver proposed changing the event status to %s. Please confirm or reject before %s.", proposedStatus, deadline.UTC().Format(time.RFC3339)),
		data: map[string]string{
			"event_id":        eventID,
			"proposed_status": string(proposedStatus),
			"pending_until":   deadline.UTC().Format(time.RFC3339),
		},
	}})

	return updated, nil
}

// Confirm 客户确认提议
// 前置条件：确认状态恰为 CAREGIVER_UPDATED。
// 效果：原子地 proposed_status→status（proposed_event_type 存在时一并拷贝），
// 清空提议字段，迁移到 CONFIRMED_BY_CUSTOMER，记录 acknowledged_by/at。
func (s *ConfirmationService) Confirm(ctx context.Context, tenantID, eventID, customerID string) (*models.Event, error) {
	if tenantID == "" || eventID == "" || customerID == "" {
		return nil, ValidationError("tenant_id, event_id and customer_id are required")
	}

	now := s.clock()

	current, err := s.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if !current.HasPendingProposal() {
		return nil, ConflictError("event %s has no pending proposal", eventID)
	}
	proposal := *current.Proposal

	updated, ok, err := s.events.ApplyConfirmation(ctx, tenantID, eventID, customerID, now)
	if err != nil {
		return nil, InternalError(err, "failed to apply confirmation")
	}
	if !ok {
		return nil, s.classifyLostRace(ctx, tenantID, eventID, "no pending proposal to confirm")
	}

	role := models.AuditRoleCustomer
	s.appendAudit(ctx, &models.AuditLogEntry{
		TenantID:                  tenantID,
		EventID:                   eventID,
		Action:                    models.AuditActionConfirmed,
		ActorID:                   &customerID,
		ActorRole:                 &role,
		PreviousStatus:            statusPtr(current.Status),
		NewStatus:                 statusPtr(updated.Status),
		PreviousEventType:         typePtr(current.EventType),
		NewEventType:              typePtr(updated.EventType),
		PreviousConfirmationState: statePtr(models.StateCaregiverUpdated),
		NewConfirmationState:      statePtr(models.StateConfirmedByCustomer),
		ResponseTimeMinutes:       responseMinutes(proposal.ProposedAt, now),
		CreatedAt:                 now,
	})

	// 通知发起提议的护理人员
	s.flushNotifications(ctx, []stagedNotification{{
		userID: proposal.ProposedBy,
		title:  "Proposal confirmed",
		body:   fmt.Sprintf("The customer confirmed your proposal. Event status is now %s.", updated.Status),
		data: map[string]string{
			"event_id": eventID,
			"status":   string(updated.Status),
		},
	}})

	return updated, nil
}

// Reject 客户拒绝提议
// 前置条件：确认状态恰为 CAREGIVER_UPDATED。
// 效果：迁移到 REJECTED_BY_CUSTOMER，清空提议字段。
// status/event_type 从未被提议触碰，保持提议前的值。
func (s *ConfirmationService) Reject(ctx context.Context, tenantID, eventID, customerID string, reason *string) (*models.Event, error) {
	if tenantID == "" || eventID == "" || customerID == "" {
		return nil, ValidationError("tenant_id, event_id and customer_id are required")
	}
	if reason != nil && len(*reason) > MaxReasonLength {
		return nil, ValidationError("reason exceeds %d characters", MaxReasonLength)
	}

	now := s.clock()

	current, err := s.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if !current.HasPendingProposal() {
		return nil, ConflictError("event %s has no pending proposal", eventID)
	}
	proposal := *current.Proposal

	updated, ok, err := s.events.ApplyRejection(ctx, tenantID, eventID, &customerID, now)
	if err != nil {
		return nil, InternalError(err, "failed to apply rejection")
	}
	if !ok {
		return nil, s.classifyLostRace(ctx, tenantID, eventID, "no pending proposal to reject")
	}

	role := models.AuditRoleCustomer
	s.appendAudit(ctx, &models.AuditLogEntry{
		TenantID:                  tenantID,
		EventID:                   eventID,
		Action:                    models.AuditActionRejected,
		ActorID:                   &customerID,
		ActorRole:                 &role,
		PreviousStatus:            statusPtr(current.Status),
		NewStatus:                 statusPtr(updated.Status),
		PreviousConfirmationState: statePtr(models.StateCaregiverUpdated),
		NewConfirmationState:      statePtr(models.StateRejectedByCustomer),
		Reason:                    reason,
		ResponseTimeMinutes:       responseMinutes(proposal.ProposedAt, now),
		CreatedAt:                 now,
	})

	s.flushNotifications(ctx, []stagedNotification{{
		userID: proposal.ProposedBy,
		title:  "Proposal rejected",
		body:   "The customer rejected your proposal. The event keeps its previous status.",
		data: map[string]string{
			"event_id": eventID,
		},
	}})

	return updated, nil
}

// Cancel 护理人员撤回自己的提议
// 前置条件：确认状态为 CAREGIVER_UPDATED 且 proposed_by == caregiverID。
// 效果：迁移回 DETECTED，清空提议字段。
func (s *ConfirmationService) Cancel(ctx context.Context, tenantID, eventID, caregiverID string) (*models.Event, error) {
	if tenantID == "" || eventID == "" || caregiverID == "" {
		return nil, ValidationError("tenant_id, event_id and caregiver_id are required")
	}

	now := s.clock()

	current, err := s.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if !current.HasPendingProposal() {
		return nil, ConflictError("event %s has no pending proposal", eventID)
	}
	if current.Proposal.ProposedBy != caregiverID {
		return nil, ValidationError("only the proposing caregiver can cancel this proposal")
	}

	updated, ok, err := s.events.ApplyCancellation(ctx, tenantID, eventID, caregiverID, now)
	if err != nil {
		return nil, InternalError(err, "failed to apply cancellation")
	}
	if !ok {
		return nil, s.classifyLostRace(ctx, tenantID, eventID, "no pending proposal to cancel")
	}

	role := models.AuditRoleCaregiver
	s.appendAudit(ctx, &models.AuditLogEntry{
		TenantID:                  tenantID,
		EventID:                   eventID,
		Action:                    models.AuditActionCancelled,
		ActorID:                   &caregiverID,
		ActorRole:                 &role,
		PreviousConfirmationState: statePtr(models.StateCaregiverUpdated),
		NewConfirmationState:      statePtr(models.StateDetected),
		CreatedAt:                 now,
	})

	return updated, nil
}

// Expire 系统驱动的过期处理（交互调用不可达）
// 策略：过期的提议一律按拒绝处理，绝不自动批准（沉默不等于同意）。
// acknowledged_by 留空，操作者记录为 system。
func (s *ConfirmationService) Expire(ctx context.Context, tenantID, eventID string) (*models.Event, error) {
	return s.expireInternal(ctx, tenantID, eventID, nil)
}

// AutoRejectDangerous 系统驱动的危险升级优先处理
// 针对已超时、且 current→proposed 为危险升级的提议。
// 效果与 Expire 相同，但审计条目携带 danger_type 标记，
// 由独立的高优先级扫描阶段调度。
func (s *ConfirmationService) AutoRejectDangerous(ctx context.Context, tenantID, eventID string) (*models.Event, error) {
	current, err := s.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if !current.HasPendingProposal() {
		return nil, ConflictError("event %s has no pending proposal", eventID)
	}
	if !models.IsEscalation(current.Status, current.Proposal.ProposedStatus) {
		return nil, ConflictError("proposal on event %s is not a dangerous escalation", eventID)
	}

	dangerType := fmt.Sprintf("%s_to_%s", current.Status, current.Proposal.ProposedStatus)
	return s.expireInternal(ctx, tenantID, eventID, map[string]any{"danger_type": dangerType})
}

// expireInternal Expire 与 AutoRejectDangerous 的共用路径
func (s *ConfirmationService) expireInternal(ctx context.Context, tenantID, eventID string, auditMeta map[string]any) (*models.Event, error) {
	if tenantID == "" || eventID == "" {
		return nil, ValidationError("tenant_id and event_id are required")
	}

	now := s.clock()

	current, err := s.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if !current.HasPendingProposal() {
		return nil, ConflictError("event %s has no pending proposal", eventID)
	}
	if current.Proposal.PendingUntil.After(now) {
		return nil, ConflictError("proposal on event %s has not expired yet", eventID)
	}
	proposal := *current.Proposal

	// acknowledged_by 留空：系统过期处理没有人类响应者
	updated, ok, err := s.events.ApplyRejection(ctx, tenantID, eventID, nil, now)
	if err != nil {
		return nil, InternalError(err, "failed to expire proposal")
	}
	if !ok {
		return nil, s.classifyLostRace(ctx, tenantID, eventID, "no pending proposal to expire")
	}

	role := models.AuditRoleSystem
	var metadata json.RawMessage
	if auditMeta != nil {
		metadata = mustJSON(auditMeta)
	}
	s.appendAudit(ctx, &models.AuditLogEntry{
		TenantID:                  tenantID,
		EventID:                   eventID,
		Action:                    models.AuditActionAutoRejected,
		ActorRole:                 &role,
		PreviousStatus:            statusPtr(current.Status),
		NewStatus:                 statusPtr(updated.Status),
		PreviousConfirmationState: statePtr(models.StateCaregiverUpdated),
		NewConfirmationState:      statePtr(models.StateRejectedByCustomer),
		Metadata:                  metadata,
		CreatedAt:                 now,
	})

	s.flushNotifications(ctx, []stagedNotification{{
		userID: proposal.ProposedBy,
		title:  "Proposal expired",
		body:   "Your proposal was not confirmed in time and has been automatically rejected.",
		data: map[string]string{
			"event_id": eventID,
		},
	}})

	return updated, nil
}

// classifyLostRace CAS 零行受影响后重新查询，区分 NotFound / Conflict
func (s *ConfirmationService) classifyLostRace(ctx context.Context, tenantID, eventID, conflictMsg string) error {
	_, err := s.events.GetEvent(ctx, tenantID, eventID)
	if errors.Is(err, repository.ErrEventNotFound) {
		return NotFoundError("event %s not found", eventID)
	}
	if err != nil {
		return InternalError(err, "failed to re-fetch event after lost race")
	}
	return ConflictError("%s", conflictMsg)
}

// appendAudit 追加审计日志（尽力而为：失败只记日志，不回滚已提交的状态迁移）
func (s *ConfirmationService) appendAudit(ctx context.Context, entry *models.AuditLogEntry) {
	if s.audits == nil {
		return
	}
	if _, err := s.audits.Append(ctx, entry); err != nil {
		s.logger.Error("Failed to append audit log",
			zap.String("event_id", entry.EventID),
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

// flushNotifications 状态迁移落库后发送暂存的通知
// 发送失败记 Warn 日志并吞掉，绝不向调用方抛出
func (s *ConfirmationService) flushNotifications(ctx context.Context, staged []stagedNotification) {
	for _, n := range staged {
		if err := s.notifier.Send(ctx, n.userID, n.title, n.body, n.data); err != nil {
			s.logger.Warn("Failed to send notification",
				zap.String("user_id", n.userID),
				zap.String("title", n.title),
				zap.Error(err),
			)
		}
	}
}

func responseMinutes(proposedAt, now time.Time) *int {
	if proposedAt.IsZero() {
		return nil
	}
	minutes := int(now.Sub(proposedAt) / time.Minute)
	return &minutes
}

func mustJSON(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func statusPtr(s models.EventStatus) *models.EventStatus {
	return &s
}

func typePtr(t models.EventType) *models.EventType {
	return &t
}

func statePtr(s models.ConfirmationState) *models.ConfirmationState {
	return &s
}
