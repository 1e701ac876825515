// Package emitter 把预测结果和训练状态发布到MQTT，供看板或其它设备订阅
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"signglove/config"
	"signglove/log"
	"signglove/model"
)

const publishTimeout = 2 * time.Second

// publisher 是mqtt.Client中用到的部分
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PredictionMessage 发布到 {prefix}/predictions
type PredictionMessage struct {
	Label         string  `json:"label"`
	Confidence    float64 `json:"confidence"`
	Timestamp     float64 `json:"timestamp"`
	DeviceID      string  `json:"device_id,omitempty"`
	CorrelationID string  `json:"id,omitempty"`
}

// MQTT 预测和训练事件的发布者
type MQTT struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func newMQTT(cfg config.MQTTConfig, pub publisher) *MQTT {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "signglove"
	}
	return &MQTT{cfg: cfg, pub: pub, connected: true, published: make(map[string]uint64)}
}

// Connect 连接Broker，断线后由paho自动重连
func Connect(ctx context.Context, cfg config.MQTTConfig) (*MQTT, error) {
	e := newMQTT(cfg, nil)
	e.connected = false

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Infof("MQTT已连接: %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Warnf("MQTT连接断开，等待自动重连: %v", err)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	token := e.client.Connect()
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("MQTT连接超时: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT连接失败: %w", err)
	}
	e.setConnected(true)
	return e, nil
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) topic(name string) string { return e.cfg.TopicPrefix + "/" + name }

// RecordPrediction 发布一次预测，等待Broker确认
func (e *MQTT) RecordPrediction(ctx context.Context, frame model.SensorFrame, ev model.PredictionEvent) error {
	payload, err := json.Marshal(PredictionMessage{
		Label:         ev.Label,
		Confidence:    ev.Confidence,
		Timestamp:     ev.Timestamp,
		DeviceID:      frame.DeviceID(),
		CorrelationID: ev.CorrelationID,
	})
	if err != nil {
		return err
	}
	token, err := e.publish("predictions", payload)
	if err != nil {
		return err
	}
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("MQTT发布超时")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("MQTT发布失败: %w", err)
	}
	return nil
}

// NotifyTrigger 发布训练触发器状态，不等待确认
func (e *MQTT) NotifyTrigger(t model.TrainingTrigger) {
	payload, err := json.Marshal(t)
	if err != nil {
		log.Errorf("序列化触发器失败: %v", err)
		return
	}
	token, err := e.publish("training", payload)
	if err != nil {
		log.Warnf("发布训练状态失败: %v", err)
		return
	}
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			e.countError()
			log.Warnf("发布训练状态失败: %v", err)
		}
	}()
}

func (e *MQTT) publish(name string, payload []byte) (mqtt.Token, error) {
	if !e.isConnected() {
		e.countError()
		return nil, fmt.Errorf("MQTT未连接")
	}
	topic := e.topic(name)
	token := e.pub.Publish(topic, e.cfg.QoS, false, payload)

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return token, nil
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Stats 发布统计
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats 返回发布统计的副本
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

// Close 断开连接，给在途消息250ms
func (e *MQTT) Close() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		log.Infof("MQTT已断开")
	}
	e.setConnected(false)
}
