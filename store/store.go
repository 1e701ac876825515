// Package store 保存自动采集的训练样本、预测记录和自动训练状态。
package store

import (
	"context"
	"fmt"
	"time"

	"signglove/config"
	"signglove/model"
)

// SourceAuto 自动采集样本的来源标记
const SourceAuto = "auto"

// Sample 一条训练样本
type Sample struct {
	Values    []float64 `bson:"values" json:"values"`
	Label     string    `bson:"label" json:"label"`
	Source    string    `bson:"source" json:"source"`
	DeviceID  string    `bson:"device_id,omitempty" json:"device_id,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// PredictionRecord 一条预测记录
type PredictionRecord struct {
	Label         string    `bson:"label" json:"label"`
	Confidence    float64   `bson:"confidence" json:"confidence"`
	Values        []float64 `bson:"values" json:"values"`
	DeviceID      string    `bson:"device_id,omitempty" json:"device_id,omitempty"`
	CorrelationID string    `bson:"correlation_id,omitempty" json:"correlation_id,omitempty"`
	Timestamp     time.Time `bson:"timestamp" json:"timestamp"`
}

// Store 服务端使用的全部存储操作
type Store interface {
	AppendSample(ctx context.Context, frame model.SensorFrame, label string) error
	AccumulatedCount(ctx context.Context) (int, error)
	LastTrainingWatermark(ctx context.Context) (int, error)
	SetLastTrainingWatermark(ctx context.Context, count int) error

	RecordPrediction(ctx context.Context, frame model.SensorFrame, ev model.PredictionEvent) error
	RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error)

	// NotifyTrigger 保存触发器的最新状态，不阻塞调用方
	NotifyTrigger(t model.TrainingTrigger)
	LastTriggerID(ctx context.Context) (int64, error)

	Close(ctx context.Context) error
}

// Open 根据配置打开存储
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "mongo":
		return OpenMongo(ctx, cfg)
	}
	return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
}

func newSample(frame model.SensorFrame, label string) Sample {
	return Sample{
		Values:    frame.Channels(),
		Label:     label,
		Source:    SourceAuto,
		DeviceID:  frame.DeviceID(),
		Timestamp: time.Now().UTC(),
	}
}

func newPredictionRecord(frame model.SensorFrame, ev model.PredictionEvent) PredictionRecord {
	return PredictionRecord{
		Label:         ev.Label,
		Confidence:    ev.Confidence,
		Values:        frame.Channels(),
		DeviceID:      frame.DeviceID(),
		CorrelationID: ev.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
}
