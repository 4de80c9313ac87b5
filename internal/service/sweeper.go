package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wisefido-confirm/internal/lock"
	"wisefido-confirm/internal/models"
)

// SweepResult 扫描结果
type SweepResult struct {
	Count    int      `json:"count"`
	EventIDs []string `json:"event_ids"`
}

// SweepExpired 单轮过期处理（按优先级顺序）：
// 1. 危险升级优先：已超时且提议方向为升级的提议（独立批次，最高优先级）
// 2. 其余所有已超时提议按通用过期处理
// 每个事件的失败单独记录，不中断批次。
// 与交互调用共用同一套状态机操作，保证所有迁移只有一条代码路径。
func (s *ConfirmationService) SweepExpired(ctx context.Context, batchLimit int) (SweepResult, error) {
	if batchLimit <= 0 {
		batchLimit = 100
	}

	result := SweepResult{EventIDs: []string{}}
	now := s.clock()

	// 阶段 1：危险升级
	escalations, err := s.events.ListExpiredEscalations(ctx, now, batchLimit)
	if err != nil {
		return result, InternalError(err, "failed to list expired escalations")
	}
	for _, event := range escalations {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, err := s.AutoRejectDangerous(ctx, event.TenantID, event.EventID); err != nil {
			// Conflict：输掉了竞态或状态已变化，跳过即可
			if !IsConflict(err) {
				s.logger.Error("Failed to auto-reject dangerous escalation",
					zap.String("event_id", event.EventID),
					zap.Error(err),
				)
			}
			continue
		}
		result.Count++
		result.EventIDs = append(result.EventIDs, event.EventID)
	}

	// 阶段 2：其余过期提议
	// 阶段 1 已处理的事件状态已迁移，不会再出现在这里
	expired, err := s.events.ListExpiredProposals(ctx, now, batchLimit)
	if err != nil {
		return result, InternalError(err, "failed to list expired proposals")
	}
	for _, event := range expired {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, err := s.Expire(ctx, event.TenantID, event.EventID); err != nil {
			if !IsConflict(err) {
				s.logger.Error("Failed to expire proposal",
					zap.String("event_id", event.EventID),
					zap.Error(err),
				)
			}
			continue
		}
		result.Count++
		result.EventIDs = append(result.EventIDs, event.EventID)
	}

	return result, nil
}

// FlagAbandoned 将长期无响应的提议标记为 abandoned（仅分析用）
// 只写 metadata 和审计日志，不改变确认状态
func (s *ConfirmationService) FlagAbandoned(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	candidates, err := s.events.ListAbandonCandidates(ctx, olderThan, limit)
	if err != nil {
		return 0, InternalError(err, "failed to list abandon candidates")
	}

	now := s.clock()
	flagged := 0
	for _, event := range candidates {
		if ctx.Err() != nil {
			return flagged, ctx.Err()
		}
		if err := s.events.MarkAbandoned(ctx, event.TenantID, event.EventID, now); err != nil {
			s.logger.Error("Failed to flag abandoned event",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}

		role := models.AuditRoleSystem
		s.appendAudit(ctx, &models.AuditLogEntry{
			TenantID:  event.TenantID,
			EventID:   event.EventID,
			Action:    models.AuditActionAbandoned,
			ActorRole: &role,
			CreatedAt: now,
		})
		flagged++
	}
	return flagged, nil
}

// SweeperConfig 扫描器配置
type SweeperConfig struct {
	Interval     time.Duration // 扫描间隔
	BatchSize    int           // 每阶段批次上限
	LockKey      string        // 分布式锁键
	AbandonAfter time.Duration // 无响应多久后标记 abandoned；0 表示禁用
}

// Sweeper 过期扫描器
// 定时调用 SweepExpired，通过分布式锁保证跨副本同一时刻最多一个实例在扫描
type Sweeper struct {
	svc    *ConfirmationService
	locker lock.Locker
	cfg    SweeperConfig
	logger *zap.Logger
}

// NewSweeper 创建扫描器
func NewSweeper(svc *ConfirmationService, locker lock.Locker, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "wisefido:confirm:sweep"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		svc:    svc,
		locker: locker,
		cfg:    cfg,
		logger: logger,
	}
}

// Run 启动扫描循环（阻塞直到 ctx 取消）
func (w *Sweeper) Run(ctx context.Context) error {
	w.logger.Info("Sweeper started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// 立即执行一次
	w.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

// sweepOnce 单轮扫描：获取锁 → 过期处理 → abandoned 标记 → 释放锁
// 锁在所有路径（包括错误路径）上都会释放
func (w *Sweeper) sweepOnce(ctx context.Context) {
	acquired, err := w.locker.TryAcquire(ctx, w.cfg.LockKey)
	if err != nil {
		w.logger.Error("Failed to acquire sweep lock",
			zap.Error(err),
		)
		return
	}
	if !acquired {
		// 其他副本正在扫描
		w.logger.Debug("Sweep lock held by another instance, skipping pass")
		return
	}
	defer func() {
		if err := w.locker.Release(ctx, w.cfg.LockKey); err != nil {
			w.logger.Error("Failed to release sweep lock",
				zap.Error(err),
			)
		}
	}()

	result, err := w.svc.SweepExpired(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("Sweep pass failed",
			zap.Error(err),
		)
		return
	}
	if result.Count > 0 {
		w.logger.Info("Resolved expired proposals",
			zap.Int("count", result.Count),
			zap.Strings("event_ids", result.EventIDs),
		)
	}

	if w.cfg.AbandonAfter > 0 {
		flagged, err := w.svc.FlagAbandoned(ctx, w.svc.clock().Add(-w.cfg.AbandonAfter), w.cfg.BatchSize)
		if err != nil {
			w.logger.Error("Abandoned flagging failed",
				zap.Error(err),
			)
			return
		}
		if flagged > 0 {
			w.logger.Info("Flagged abandoned events",
				zap.Int("count", flagged),
			)
		}
	}
}
