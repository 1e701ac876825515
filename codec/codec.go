// Package codec 负责传感器帧与预测消息的编解码。
//
// 文本消息使用JSON，二进制消息使用MessagePack，两者字段相同：
//
//	帧:   {"channels": [...], "timestamp": 1.5, "device_id": "...", "id": "..."}
//	预测: {"label": "Hello", "confidence": 0.93, "timestamp": 1.5, "id": "..."}
//	错误: {"error": "..."}
//
// 为兼容旧设备，帧也可以写成 {"flex":[5], "accel":[3], "gyro":[3]}，
// 按 flex、accel、gyro 的顺序展开成11个通道。
package codec

import (
	"errors"
	"fmt"
	"math"

	"signglove/model"

	"github.com/gorilla/websocket"
)

var (
	// ErrMalformed 消息无法解析或字段非法（协议错误）
	ErrMalformed = errors.New("codec: malformed message")
	// ErrServerReported 服务端回复了错误消息
	ErrServerReported = errors.New("codec: server reported error")
)

// Codec 帧与预测消息的编解码器
type Codec interface {
	// Name 返回编码名称，json 或 msgpack
	Name() string
	// MessageType 返回对应的WebSocket消息类型
	MessageType() int

	EncodeFrame(f model.SensorFrame) ([]byte, error)
	DecodeFrame(data []byte) (model.SensorFrame, error)
	EncodePrediction(e model.PredictionEvent) ([]byte, error)
	DecodePrediction(data []byte) (model.PredictionEvent, error)
	EncodeError(msg string) ([]byte, error)
}

// frameMessage 帧的线上格式
type frameMessage struct {
	Channels  []float64 `json:"channels,omitempty" msgpack:"channels,omitempty"`
	Timestamp float64   `json:"timestamp" msgpack:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty" msgpack:"device_id,omitempty"`
	ID        string    `json:"id,omitempty" msgpack:"id,omitempty"`

	// 旧格式
	Flex  []float64 `json:"flex,omitempty" msgpack:"flex,omitempty"`
	Accel []float64 `json:"accel,omitempty" msgpack:"accel,omitempty"`
	Gyro  []float64 `json:"gyro,omitempty" msgpack:"gyro,omitempty"`
}

// predictionMessage 预测回复的线上格式
type predictionMessage struct {
	Label      string  `json:"label,omitempty" msgpack:"label,omitempty"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	Timestamp  float64 `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	ID         string  `json:"id,omitempty" msgpack:"id,omitempty"`
	Error      string  `json:"error,omitempty" msgpack:"error,omitempty"`
}

func (m frameMessage) toFrame() (model.SensorFrame, error) {
	channels := m.Channels
	if len(channels) == 0 && (len(m.Flex) > 0 || len(m.Accel) > 0 || len(m.Gyro) > 0) {
		if len(m.Flex) != 5 || len(m.Accel) != 3 || len(m.Gyro) != 3 {
			return model.SensorFrame{}, fmt.Errorf("%w: legacy frame needs flex[5] accel[3] gyro[3], got %d/%d/%d",
				ErrMalformed, len(m.Flex), len(m.Accel), len(m.Gyro))
		}
		channels = make([]float64, 0, 11)
		channels = append(channels, m.Flex...)
		channels = append(channels, m.Accel...)
		channels = append(channels, m.Gyro...)
	}
	for i, v := range channels {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.SensorFrame{}, fmt.Errorf("%w: channel %d is not finite", ErrMalformed, i)
		}
	}
	return model.NewSensorFrame(channels, m.Timestamp, m.DeviceID, m.ID), nil
}

func fromFrame(f model.SensorFrame) frameMessage {
	return frameMessage{
		Channels:  f.Channels(),
		Timestamp: f.Timestamp(),
		DeviceID:  f.DeviceID(),
		ID:        f.ID(),
	}
}

func (m predictionMessage) toEvent() (model.PredictionEvent, error) {
	if m.Error != "" {
		return model.PredictionEvent{}, fmt.Errorf("%w: %s", ErrServerReported, m.Error)
	}
	if m.Label == "" {
		return model.PredictionEvent{}, fmt.Errorf("%w: missing label", ErrMalformed)
	}
	if math.IsNaN(m.Confidence) || m.Confidence < 0 || m.Confidence > 1 {
		return model.PredictionEvent{}, fmt.Errorf("%w: confidence %v out of range", ErrMalformed, m.Confidence)
	}
	return model.PredictionEvent{
		Label:         m.Label,
		Confidence:    m.Confidence,
		Timestamp:     m.Timestamp,
		CorrelationID: m.ID,
	}, nil
}

func fromEvent(e model.PredictionEvent) predictionMessage {
	return predictionMessage{
		Label:      e.Label,
		Confidence: e.Confidence,
		Timestamp:  e.Timestamp,
		ID:         e.CorrelationID,
	}
}

// ForName 按名称返回编解码器
func ForName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	}
	return nil, fmt.Errorf("codec: unknown encoding %q", name)
}

// ForMessageType 按WebSocket消息类型返回编解码器
func ForMessageType(messageType int) (Codec, bool) {
	switch messageType {
	case websocket.TextMessage:
		return JSON, true
	case websocket.BinaryMessage:
		return MsgPack, true
	}
	return nil, false
}
