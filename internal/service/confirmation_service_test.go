package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-confirm/internal/models"
	"wisefido-confirm/internal/repository"
	"wisefido-confirm/internal/timewindow"
)

// fakeClock 可推进的测试时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordedNotification 记录发送的通知
type recordedNotification struct {
	UserID string
	Title  string
	Data   map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, userID, title, _ string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, recordedNotification{UserID: userID, Title: title, Data: data})
	return nil
}

func (n *fakeNotifier) notifications() []recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedNotification{}, n.sent...)
}

type testEnv struct {
	svc      *ConfirmationService
	events   *repository.MemoryEventsRepository
	audits   *repository.MemoryAuditLogsRepository
	clock    *fakeClock
	notifier *fakeNotifier
	tenantID string
}

func setupService(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	events := repository.NewMemoryEventsRepository()
	audits := repository.NewMemoryAuditLogsRepository()
	n := &fakeNotifier{}
	svc := NewConfirmationService(events, audits, n, clock.Now, zap.NewNop())

	return &testEnv{
		svc:      svc,
		events:   events,
		audits:   audits,
		clock:    clock,
		notifier: n,
		tenantID: uuid.New().String(),
	}
}

// seedEvent 创建一个 detected_at = 当前时钟的事件
func (env *testEnv) seedEvent(t *testing.T) *models.Event {
	t.Helper()
	event := &models.Event{
		EventID:           uuid.New().String(),
		TenantID:          env.tenantID,
		OwnerID:           uuid.New().String(),
		Status:            models.StatusNormal,
		EventType:         models.EventTypeFall,
		ConfirmationState: models.StateDetected,
		DetectedAt:        env.clock.Now(),
	}
	require.NoError(t, env.events.CreateEvent(context.Background(), event))
	return event
}

func auditActions(t *testing.T, env *testEnv, eventID string) []string {
	t.Helper()
	entries, err := env.audits.ListByEvent(context.Background(), env.tenantID, eventID, 50)
	require.NoError(t, err)
	// ListByEvent 返回倒序；翻转为时间顺序
	actions := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		actions = append(actions, entries[i].Action)
	}
	return actions
}

// ============================================
// Propose
// ============================================

func TestPropose_Success(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	env.clock.Advance(1 * time.Hour)
	caregiverID := uuid.New().String()

	updated, err := env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusDanger, 24*time.Hour, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, models.StateCaregiverUpdated, updated.ConfirmationState)
	// status 在确认前不可变
	assert.Equal(t, models.StatusNormal, updated.Status)
	require.NotNil(t, updated.Proposal)
	assert.Equal(t, models.StatusDanger, updated.Proposal.ProposedStatus)
	assert.Equal(t, caregiverID, updated.Proposal.ProposedBy)
	assert.Equal(t, env.clock.Now().Add(24*time.Hour), updated.Proposal.PendingUntil)

	// 首次操作：caregiver_assigned + proposed
	assert.Equal(t, []string{models.AuditActionCaregiverAssigned, models.AuditActionProposed}, auditActions(t, env, event.EventID))

	// 归属客户被通知
	sent := env.notifier.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, event.OwnerID, sent[0].UserID)
	assert.Equal(t, event.EventID, sent[0].Data["event_id"])
}

func TestPropose_DeadlineClampedToAccessWindow(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	// T0+1h 发起 48h TTL：deadline 钳制到 T0+48h
	env.clock.Advance(1 * time.Hour)
	updated, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusDanger, 48*time.Hour, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, event.DetectedAt.Add(timewindow.AccessWindow), updated.Proposal.PendingUntil)
}

func TestPropose_ConflictWhenProposalPending(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusDanger, 24*time.Hour, nil, nil)
	require.NoError(t, err)

	_, err = env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusWarning, 24*time.Hour, nil, nil)
	assert.True(t, IsConflict(err))
}

func TestPropose_NotFound(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Propose(ctx, env.tenantID, uuid.New().String(), uuid.New().String(),
		models.StatusDanger, 24*time.Hour, nil, nil)
	assert.True(t, IsNotFound(err))
}

func TestPropose_ValidationErrors(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()
	caregiverID := uuid.New().String()

	env.clock.Advance(1 * time.Hour)

	// 非法状态
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.EventStatus("critical"), 24*time.Hour, nil, nil)
	assert.True(t, IsValidation(err))

	// 非法事件类型
	badType := models.EventType("wandering")
	_, err = env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusDanger, 24*time.Hour, nil, &badType)
	assert.True(t, IsValidation(err))

	// 理由超长
	long := make([]byte, MaxReasonLength+1)
	for i := range long {
		long[i] = 'x'
	}
	reason := string(long)
	_, err = env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusDanger, 24*time.Hour, &reason, nil)
	assert.True(t, IsValidation(err))

	// 非法 TTL
	_, err = env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusDanger, 0, nil, nil)
	assert.True(t, IsValidation(err))

	// 验证失败时没有任何写入
	got, getErr := env.svc.GetEvent(ctx, env.tenantID, event.EventID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StateDetected, got.ConfirmationState)
	assert.Empty(t, auditActions(t, env, event.EventID))
}

func TestPropose_AccessWindowClosed(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	env.clock.Advance(49 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusDanger, 24*time.Hour, nil, nil)
	assert.True(t, IsValidation(err))
}

func TestPropose_InsufficientResponseBuffer(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	// 窗口关闭前 2 分钟：客户没有公平的响应机会
	env.clock.Advance(48*time.Hour - 2*time.Minute)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusDanger, 24*time.Hour, nil, nil)
	assert.True(t, IsValidation(err))
}

func TestPropose_SecondProposalBySameCaregiverIsNotFirstAction(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()
	caregiverID := uuid.New().String()

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusDanger, 2*time.Hour, nil, nil)
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, env.tenantID, event.EventID, caregiverID)
	require.NoError(t, err)

	env.clock.Advance(1 * time.Hour)
	_, err = env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusWarning, 2*time.Hour, nil, nil)
	require.NoError(t, err)

	// caregiver_assigned 只出现一次
	actions := auditActions(t, env, event.EventID)
	assigned := 0
	for _, a := range actions {
		if a == models.AuditActionCaregiverAssigned {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

// ============================================
// Confirm
// ============================================

func TestConfirm_CopiesProposedFields(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()
	caregiverID := uuid.New().String()
	customerID := uuid.New().String()

	env.clock.Advance(1 * time.Hour)
	proposedType := models.EventTypeEmergency
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusDanger, 24*time.Hour, nil, &proposedType)
	require.NoError(t, err)

	env.clock.Advance(1 * time.Hour)
	updated, err := env.svc.Confirm(ctx, env.tenantID, event.EventID, customerID)

	require.NoError(t, err)
	assert.Equal(t, models.StatusDanger, updated.Status)
	assert.Equal(t, models.EventTypeEmergency, updated.EventType)
	assert.Equal(t, models.StateConfirmedByCustomer, updated.ConfirmationState)
	assert.Nil(t, updated.Proposal)
	require.NotNil(t, updated.AcknowledgedBy)
	assert.Equal(t, customerID, *updated.AcknowledgedBy)
	require.NotNil(t, updated.AcknowledgedAt)

	// 审计：caregiver_assigned, proposed, confirmed
	actions := auditActions(t, env, event.EventID)
	assert.Equal(t, []string{models.AuditActionCaregiverAssigned, models.AuditActionProposed, models.AuditActionConfirmed}, actions)

	// confirmed 条目记录响应时长
	entries, err := env.audits.ListByEvent(ctx, env.tenantID, event.EventID, 1)
	require.NoError(t, err)
	require.NotNil(t, entries[0].ResponseTimeMinutes)
	assert.Equal(t, 60, *entries[0].ResponseTimeMinutes)

	// 提议的护理人员被通知
	sent := env.notifier.notifications()
	require.Len(t, sent, 2)
	assert.Equal(t, caregiverID, sent[1].UserID)
}

func TestConfirm_ConflictWithoutProposal(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	_, err := env.svc.Confirm(ctx, env.tenantID, event.EventID, uuid.New().String())
	assert.True(t, IsConflict(err))
}

func TestConfirm_BlocksReProposal(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusDanger, 24*time.Hour, nil, nil)
	require.NoError(t, err)

	_, err = env.svc.Confirm(ctx, env.tenantID, event.EventID, uuid.New().String())
	require.NoError(t, err)

	// 已确认的事件阻止新提议
	_, err = env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusWarning, 24*time.Hour, nil, nil)
	assert.True(t, IsConflict(err))
}

// ============================================
// Reject
// ============================================

func TestReject_KeepsPreProposalStatus(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()
	caregiverID := uuid.New().String()
	customerID := uuid.New().String()

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusDanger, 24*time.Hour, nil, nil)
	require.NoError(t, err)

	reason := "looks like a false alarm"
	updated, err := env.svc.Reject(ctx, env.tenantID, event.EventID, customerID, &reason)

	require.NoError(t, err)
	// status/event_type 保持提议前的值
	assert.Equal(t, models.StatusNormal, updated.Status)
	assert.Equal(t, models.EventTypeFall, updated.EventType)
	assert.Equal(t, models.StateRejectedByCustomer, updated.ConfirmationState)
	assert.Nil(t, updated.Proposal)
	require.NotNil(t, updated.AcknowledgedBy)
	assert.Equal(t, customerID, *updated.AcknowledgedBy)

	// 拒绝后可重新发起提议
	env.clock.Advance(1 * time.Hour)
	_, err = env.svc.Propose(ctx, env.tenantID, event.EventID, caregiverID,
		models.StatusWarning, 12*time.Hour, nil, nil)
	assert.NoError(t, err)
}

// ============================================
// Cancel
// ============================================

func TestCancel_OnlyProposerMayCancel(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()
	proposer := uuid.New().String()

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, proposer,
		models.StatusDanger, 24*time.Hour, nil, nil)
	require.NoError(t, err)

	// 非提议人撤回被拒绝
	_, err = env.svc.Cancel(ctx, env.tenantID, event.EventID, uuid.New().String())
	assert.True(t, IsValidation(err))

	// 提议人撤回成功，回到 DETECTED
	updated, err := env.svc.Cancel(ctx, env.tenantID, event.EventID, proposer)
	require.NoError(t, err)
	assert.Equal(t, models.StateDetected, updated.ConfirmationState)
	assert.Nil(t, updated.Proposal)

	actions := auditActions(t, env, event.EventID)
	assert.Equal(t, []string{models.AuditActionCaregiverAssigned, models.AuditActionProposed, models.AuditActionCancelled}, actions)
}

// ============================================
// Expire / AutoRejectDangerous
// ============================================

func TestExpire_SilenceIsNotConsent(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusDanger, 24*time.Hour, nil, nil)
	require.NoError(t, err)

	// 提议未到期：Conflict
	_, err = env.svc.Expire(ctx, env.tenantID, event.EventID)
	assert.True(t, IsConflict(err))

	env.clock.Advance(25 * time.Hour)
	updated, err := env.svc.Expire(ctx, env.tenantID, event.EventID)

	require.NoError(t, err)
	// 过期一律按拒绝处理，绝不自动批准
	assert.Equal(t, models.StateRejectedByCustomer, updated.ConfirmationState)
	assert.Equal(t, models.StatusNormal, updated.Status)
	// 系统处理：acknowledged_by 留空
	assert.Nil(t, updated.AcknowledgedBy)
	require.NotNil(t, updated.AcknowledgedAt)

	actions := auditActions(t, env, event.EventID)
	assert.Equal(t, models.AuditActionAutoRejected, actions[len(actions)-1])

	entries, err := env.audits.ListByEvent(ctx, env.tenantID, event.EventID, 1)
	require.NoError(t, err)
	require.NotNil(t, entries[0].ActorRole)
	assert.Equal(t, models.AuditRoleSystem, *entries[0].ActorRole)
	assert.Nil(t, entries[0].ActorID)
}

func TestExpire_DeescalationAlsoRejected(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	event := &models.Event{
		EventID:           uuid.New().String(),
		TenantID:          env.tenantID,
		OwnerID:           uuid.New().String(),
		Status:            models.StatusDanger,
		EventType:         models.EventTypeFall,
		ConfirmationState: models.StateDetected,
		DetectedAt:        env.clock.Now(),
	}
	require.NoError(t, env.events.CreateEvent(ctx, event))

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusNormal, 2*time.Hour, nil, nil)
	require.NoError(t, err)

	env.clock.Advance(3 * time.Hour)
	updated, err := env.svc.Expire(ctx, env.tenantID, event.EventID)

	require.NoError(t, err)
	// 未确认的降级同样不自动生效
	assert.Equal(t, models.StatusDanger, updated.Status)
	assert.Equal(t, models.StateRejectedByCustomer, updated.ConfirmationState)
}

func TestAutoRejectDangerous_TagsDangerType(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusDanger, 2*time.Hour, nil, nil)
	require.NoError(t, err)

	env.clock.Advance(3 * time.Hour)
	updated, err := env.svc.AutoRejectDangerous(ctx, env.tenantID, event.EventID)

	require.NoError(t, err)
	assert.Equal(t, models.StateRejectedByCustomer, updated.ConfirmationState)
	assert.Equal(t, models.StatusNormal, updated.Status)

	entries, err := env.audits.ListByEvent(ctx, env.tenantID, event.EventID, 1)
	require.NoError(t, err)
	var meta map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Metadata, &meta))
	assert.Equal(t, "normal_to_danger", meta["danger_type"])
}

func TestAutoRejectDangerous_RejectsNonEscalation(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	event := &models.Event{
		EventID:           uuid.New().String(),
		TenantID:          env.tenantID,
		OwnerID:           uuid.New().String(),
		Status:            models.StatusDanger,
		EventType:         models.EventTypeFall,
		ConfirmationState: models.StateDetected,
		DetectedAt:        env.clock.Now(),
	}
	require.NoError(t, env.events.CreateEvent(ctx, event))

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusNormal, 2*time.Hour, nil, nil)
	require.NoError(t, err)

	env.clock.Advance(3 * time.Hour)
	_, err = env.svc.AutoRejectDangerous(ctx, env.tenantID, event.EventID)
	assert.True(t, IsConflict(err))
}

// ============================================
// 协作者缺失与通知失败
// ============================================

func TestPropose_NilNotifierDoesNotPanic(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	events := repository.NewMemoryEventsRepository()
	audits := repository.NewMemoryAuditLogsRepository()
	svc := NewConfirmationService(events, audits, nil, clock.Now, nil)

	tenantID := uuid.New().String()
	event := &models.Event{
		EventID:           uuid.New().String(),
		TenantID:          tenantID,
		OwnerID:           uuid.New().String(),
		Status:            models.StatusNormal,
		EventType:         models.EventTypeSleep,
		ConfirmationState: models.StateDetected,
		DetectedAt:        clock.Now(),
	}
	require.NoError(t, events.CreateEvent(context.Background(), event))

	clock.Advance(1 * time.Hour)
	_, err := svc.Propose(context.Background(), tenantID, event.EventID, uuid.New().String(),
		models.StatusWarning, 4*time.Hour, nil, nil)
	assert.NoError(t, err)
}

func TestConfirm_NotifierFailureDoesNotFailOperation(t *testing.T) {
	env := setupService(t)
	event := env.seedEvent(t)
	ctx := context.Background()

	env.clock.Advance(1 * time.Hour)
	_, err := env.svc.Propose(ctx, env.tenantID, event.EventID, uuid.New().String(),
		models.StatusDanger, 24*time.Hour, nil, nil)
	require.NoError(t, err)

	env.notifier.err = errors.New("push gateway unreachable")
	updated, err := env.svc.Confirm(ctx, env.tenantID, event.EventID, uuid.New().String())

	// 通知失败被吞掉，状态迁移已提交
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmedByCustomer, updated.ConfirmationState)
}
