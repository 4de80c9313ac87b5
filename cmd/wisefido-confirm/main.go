package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-confirm/internal/config"
	"wisefido-confirm/internal/database"
	"wisefido-confirm/internal/lock"
	"wisefido-confirm/internal/logger"
	"wisefido-confirm/internal/notifier"
	"wisefido-confirm/internal/repository"
	"wisefido-confirm/internal/service"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-confirm")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database",
			zap.Error(err),
		)
	}
	defer db.Close()

	// 4. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to ping redis",
			zap.Error(err),
		)
	}
	defer redisClient.Close()

	// 5. 创建 Repository 层
	eventsRepo := repository.NewPostgresEventsRepository(db, log)
	auditsRepo := repository.NewPostgresAuditLogsRepository(db, log)

	// 6. 创建通知器（按驱动配置；缺失时退化为无操作）
	notify, mqttNotifier, err := buildNotifier(cfg, redisClient)
	if err != nil {
		log.Fatal("Failed to create notifier",
			zap.Error(err),
		)
	}
	if mqttNotifier != nil {
		defer mqttNotifier.Close()
	}

	// 7. 创建确认状态机与扫描器
	confirmService := service.NewConfirmationService(eventsRepo, auditsRepo, notify, nil, log)
	locker := lock.NewRedisLocker(redisClient, cfg.Confirm.Sweep.LockTTL)
	sweeper := service.NewSweeper(confirmService, locker, service.SweeperConfig{
		Interval:     cfg.Confirm.Sweep.Interval,
		BatchSize:    cfg.Confirm.Sweep.BatchSize,
		LockKey:      cfg.Confirm.Sweep.LockKey,
		AbandonAfter: cfg.Confirm.AbandonAfter,
	}, log)

	// 8. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 9. 启动扫描器（在 goroutine 中）
	sweeperErrChan := make(chan error, 1)
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			sweeperErrChan <- err
		}
	}()

	// 10. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel() // 取消上下文，停止扫描器
	case err := <-sweeperErrChan:
		log.Fatal("Sweeper error",
			zap.Error(err),
		)
	}

	log.Info("Confirmation service stopped")
}

// buildNotifier 按 NOTIFY_DRIVER 组装通知器
// nop: 无操作；redis: Redis Streams 收件箱；mqtt: MQTT 推送；all: 两者扇出
func buildNotifier(cfg *config.Config, redisClient *redis.Client) (notifier.Notifier, *notifier.MQTTNotifier, error) {
	switch cfg.NotifyDriver {
	case "redis":
		return notifier.NewRedisNotifier(redisClient), nil, nil
	case "mqtt":
		m, err := notifier.NewMQTTNotifier(&cfg.MQTT)
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil
	case "all":
		m, err := notifier.NewMQTTNotifier(&cfg.MQTT)
		if err != nil {
			return nil, nil, err
		}
		return notifier.NewMultiNotifier(notifier.NewRedisNotifier(redisClient), m), m, nil
	default:
		return notifier.NopNotifier{}, nil, nil
	}
}
