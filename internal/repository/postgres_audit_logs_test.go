package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-confirm/internal/models"
)

func setupMockAuditDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresAuditLogsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresAuditLogsRepository(db, zap.NewNop())
	return db, mock, repo
}

var auditTestColumns = []string{
	"id", "tenant_id", "event_id", "action",
	"actor_id", "actor_name", "actor_role",
	"previous_status", "new_status",
	"previous_event_type", "new_event_type",
	"previous_confirmation_state", "new_confirmation_state",
	"reason", "metadata", "response_time_minutes", "is_first_action",
	"created_at",
}

func sampleProposedEntry(tenantID, eventID, actorID string, now time.Time) *models.AuditLogEntry {
	role := models.AuditRoleCaregiver
	prevStatus := models.StatusNormal
	newStatus := models.StatusDanger
	prevState := models.StateDetected
	newState := models.StateCaregiverUpdated
	return &models.AuditLogEntry{
		TenantID:                  tenantID,
		EventID:                   eventID,
		Action:                    models.AuditActionProposed,
		ActorID:                   &actorID,
		ActorRole:                 &role,
		PreviousStatus:            &prevStatus,
		NewStatus:                 &newStatus,
		PreviousConfirmationState: &prevState,
		NewConfirmationState:      &newState,
		Metadata:                  json.RawMessage(`{"pending_until":"2025-03-03T12:00:00Z"}`),
		CreatedAt:                 now,
	}
}

func TestAppend_InsertsWhenLogEmpty(t *testing.T) {
	db, mock, repo := setupMockAuditDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	eventID := uuid.New().String()
	entry := sampleProposedEntry(tenantID, eventID, uuid.New().String(), time.Now())

	// 无历史日志
	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, eventID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := repo.Append(ctx, entry)

	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, entry.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_SkipsStructuralDuplicate(t *testing.T) {
	db, mock, repo := setupMockAuditDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	eventID := uuid.New().String()
	actorID := uuid.New().String()
	now := time.Now()
	entry := sampleProposedEntry(tenantID, eventID, actorID, now)

	// 最近一条与候选条目语义字段完全相同（metadata 键顺序也无关）
	rows := sqlmock.NewRows(auditTestColumns).AddRow(
		uuid.New().String(), tenantID, eventID, "proposed",
		actorID, nil, "caregiver",
		"normal", "danger",
		nil, nil,
		"DETECTED", "CAREGIVER_UPDATED",
		nil, `{"pending_until": "2025-03-03T12:00:00Z"}`, nil, false,
		now.Add(-1*time.Minute),
	)
	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, eventID).
		WillReturnRows(rows)
	// 不应有 INSERT

	inserted, err := repo.Append(ctx, entry)

	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_InsertsWhenActionDiffers(t *testing.T) {
	db, mock, repo := setupMockAuditDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	eventID := uuid.New().String()
	actorID := uuid.New().String()
	now := time.Now()

	rows := sqlmock.NewRows(auditTestColumns).AddRow(
		uuid.New().String(), tenantID, eventID, "proposed",
		actorID, nil, "caregiver",
		"normal", "danger",
		nil, nil,
		"DETECTED", "CAREGIVER_UPDATED",
		nil, `{}`, nil, false,
		now.Add(-1*time.Hour),
	)
	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, eventID).
		WillReturnRows(rows)
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	role := models.AuditRoleCustomer
	entry := &models.AuditLogEntry{
		TenantID:  tenantID,
		EventID:   eventID,
		Action:    models.AuditActionConfirmed,
		ActorID:   &actorID,
		ActorRole: &role,
		CreatedAt: now,
	}

	inserted, err := repo.Append(ctx, entry)

	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByActor(t *testing.T) {
	db, mock, repo := setupMockAuditDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	eventID := uuid.New().String()
	actorID := uuid.New().String()

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(tenantID, eventID, actorID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountByActor(ctx, tenantID, eventID, actorID)

	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatest_EmptyLogReturnsNil(t *testing.T) {
	db, mock, repo := setupMockAuditDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WillReturnError(sql.ErrNoRows)

	entry, err := repo.GetLatest(context.Background(), uuid.New().String(), uuid.New().String())

	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 结构化比较测试
// ============================================

func TestSameTransition_MetadataKeyOrderIndependent(t *testing.T) {
	now := time.Now()
	a := sampleProposedEntry("t", "e", "c", now)
	a.Metadata = json.RawMessage(`{"a":1,"b":"x"}`)
	b := sampleProposedEntry("t", "e", "c", now.Add(1*time.Minute))
	b.Metadata = json.RawMessage(`{"b":"x","a":1}`)

	assert.True(t, sameTransition(a, b))
}

func TestSameTransition_ReasonDiffers(t *testing.T) {
	now := time.Now()
	a := sampleProposedEntry("t", "e", "c", now)
	b := sampleProposedEntry("t", "e", "c", now)
	reason := "changed my mind"
	b.Reason = &reason

	assert.False(t, sameTransition(a, b))
}

func TestSameTransition_DifferentActorStillSuppressed(t *testing.T) {
	// 操作者不参与结构化比较：重试可能经过不同的处理路径
	now := time.Now()
	a := sampleProposedEntry("t", "e", "caregiver-1", now)
	b := sampleProposedEntry("t", "e", "caregiver-2", now)

	assert.True(t, sameTransition(a, b))
}

func TestCanonicalJSONEqual(t *testing.T) {
	assert.True(t, canonicalJSONEqual(
		json.RawMessage(`{"x":{"y":1},"z":[1,2]}`),
		json.RawMessage(`{"z":[1,2],"x":{"y":1}}`),
	))
	assert.False(t, canonicalJSONEqual(
		json.RawMessage(`{"x":1}`),
		json.RawMessage(`{"x":2}`),
	))
	// 空值与空对象视为相等
	assert.True(t, canonicalJSONEqual(nil, json.RawMessage(`{}`)))
	assert.True(t, canonicalJSONEqual(json.RawMessage(`null`), nil))
}
