package model

import (
	"math"
	"time"
)

// SensorFrame 一帧带时间戳的传感器读数，创建后不可修改
type SensorFrame struct {
	channels  []float64
	timestamp float64
	deviceID  string
	id        string
}

// NewSensorFrame 创建传感器帧，channels会被复制
// 参数:
//   - channels: 通道读数，长度由设备配置决定(如11或22)
//   - timestamp: 采集时间戳（秒）
//   - deviceID: 设备或会话标识，可为空
//   - id: 关联ID，可为空，服务端会原样带回
func NewSensorFrame(channels []float64, timestamp float64, deviceID, id string) SensorFrame {
	c := make([]float64, len(channels))
	copy(c, channels)
	return SensorFrame{channels: c, timestamp: timestamp, deviceID: deviceID, id: id}
}

// Channels 返回通道读数的副本
func (f SensorFrame) Channels() []float64 {
	c := make([]float64, len(f.channels))
	copy(c, f.channels)
	return c
}

// Arity 返回通道数
func (f SensorFrame) Arity() int { return len(f.channels) }

// Timestamp 返回采集时间戳（秒）
func (f SensorFrame) Timestamp() float64 { return f.timestamp }

// DeviceID 返回设备标识
func (f SensorFrame) DeviceID() string { return f.deviceID }

// ID 返回关联ID
func (f SensorFrame) ID() string { return f.id }

// Time 把时间戳转换为time.Time
func (f SensorFrame) Time() time.Time { return secondsToTime(f.timestamp) }

// PredictionEvent 一次预测结果
type PredictionEvent struct {
	Label         string
	Confidence    float64 // [0,1]
	Timestamp     float64 // 原始帧的时间戳
	CorrelationID string
}

// ClampConfidence 把置信度限制在[0,1]，NaN视为0
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func secondsToTime(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}
