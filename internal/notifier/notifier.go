package notifier

import "context"

// Notifier 向用户发送人类可读通知的外部协作者
// 发送是尽力而为：失败由调用方记录日志，绝不阻塞或回滚状态迁移。
type Notifier interface {
	Send(ctx context.Context, userID, title, body string, data map[string]string) error
}

// NopNotifier 空实现（协作者缺失时的默认值）
type NopNotifier struct{}

var _ Notifier = (*NopNotifier)(nil)

// Send 什么都不做
func (NopNotifier) Send(_ context.Context, _, _, _ string, _ map[string]string) error {
	return nil
}

// MultiNotifier 扇出到多个下游通知器
// 收集所有错误但不会因某一个失败而跳过其余通知器
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier 创建扇出通知器
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

var _ Notifier = (*MultiNotifier)(nil)

// Send 依次发送到所有下游；返回最后一个错误
func (m *MultiNotifier) Send(ctx context.Context, userID, title, body string, data map[string]string) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, userID, title, body, data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
