package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 确认服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 确认工作流特定配置
	Confirm struct {
		// 提议默认有效期
		DefaultTTL time.Duration

		// 过期扫描配置
		Sweep struct {
			Interval  time.Duration // 扫描间隔，默认 10 分钟
			BatchSize int           // 每轮每个阶段处理的最大事件数，默认 100
			LockKey   string        // 分布式锁键
			LockTTL   time.Duration // 锁租期（防止崩溃后永久持锁）
		}

		// 超过该时长仍未响应的提议被标记为 abandoned（仅用于分析）
		AbandonAfter time.Duration
	}

	// 通知驱动：nop, redis, mqtt, all
	NotifyDriver string

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-confirm")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	// 确认工作流配置
	cfg.Confirm.DefaultTTL = time.Duration(getEnvInt("CONFIRM_DEFAULT_TTL_HOURS", 24)) * time.Hour
	cfg.Confirm.Sweep.Interval = time.Duration(getEnvInt("CONFIRM_SWEEP_INTERVAL_MINUTES", 10)) * time.Minute
	cfg.Confirm.Sweep.BatchSize = getEnvInt("CONFIRM_SWEEP_BATCH_SIZE", 100)
	cfg.Confirm.Sweep.LockKey = getEnv("CONFIRM_SWEEP_LOCK_KEY", "wisefido:confirm:sweep")
	cfg.Confirm.Sweep.LockTTL = time.Duration(getEnvInt("CONFIRM_SWEEP_LOCK_TTL_MINUTES", 9)) * time.Minute
	cfg.Confirm.AbandonAfter = time.Duration(getEnvInt("CONFIRM_ABANDON_HOURS", 72)) * time.Hour

	cfg.NotifyDriver = getEnv("NOTIFY_DRIVER", "nop")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
