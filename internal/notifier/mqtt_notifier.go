package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"wisefido-confirm/internal/config"
)

// MQTTNotifier 通过 MQTT 推送通知到移动端
// 主题格式：wisefido/notify/<userID>
type MQTTNotifier struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTNotifier 创建 MQTT 通知器并建立连接
func NewMQTTNotifier(cfg *config.MQTTConfig) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTNotifier{
		client: client,
		qos:    cfg.QoS,
	}, nil
}

var _ Notifier = (*MQTTNotifier)(nil)

// mqttMessage 推送消息载荷
type mqttMessage struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Send 发布通知到用户主题
func (n *MQTTNotifier) Send(_ context.Context, userID, title, body string, data map[string]string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	payload, err := json.Marshal(mqttMessage{
		Title:     title,
		Body:      body,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	topic := "wisefido/notify/" + userID
	token := n.client.Publish(topic, n.qos, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Close 断开 MQTT 连接
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250) // 250ms等待时间
}
