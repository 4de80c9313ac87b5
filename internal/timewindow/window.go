package timewindow

import (
	"fmt"
	"time"
)

// 时间窗口策略常量
const (
	// AccessWindow 护理人员操作窗口：检测后 48 小时内可操作
	AccessWindow = 48 * time.Hour

	// MinResponseBuffer 最小响应缓冲：窗口关闭前至少保留 5 分钟给客户响应
	MinResponseBuffer = 5 * time.Minute

	// DefaultTTL 提议默认有效期
	DefaultTTL = 24 * time.Hour
)

// Remaining 计算护理人员操作窗口的剩余时长（可为负）
func Remaining(detectedAt, now time.Time) time.Duration {
	return detectedAt.Add(AccessWindow).Sub(now)
}

// WithinWindow 判断当前是否仍在操作窗口内
func WithinWindow(detectedAt, now time.Time) bool {
	return Remaining(detectedAt, now) > 0
}

// PendingDeadline 计算提议的安全截止时间
// 规则：
// - deadline = now + ttl，但不得超过 detected_at + AccessWindow（钳制）
// - 窗口关闭前必须至少剩余 MinResponseBuffer，否则拒绝创建提议
//   （客户没有公平的响应机会）
func PendingDeadline(detectedAt, now time.Time, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 {
		return time.Time{}, fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	remaining := Remaining(detectedAt, now)
	if remaining <= 0 {
		return time.Time{}, fmt.Errorf("caregiver access window closed %s ago", -remaining)
	}
	if remaining < MinResponseBuffer {
		return time.Time{}, fmt.Errorf("only %s left before access window closes, need at least %s", remaining, MinResponseBuffer)
	}

	deadline := now.Add(ttl)
	windowClose := detectedAt.Add(AccessWindow)
	if deadline.After(windowClose) {
		deadline = windowClose
	}
	return deadline, nil
}
