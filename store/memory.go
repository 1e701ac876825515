package store

import (
	"context"
	"sync"

	"signglove/model"
)

const memoryPredictionLimit = 1000

// Memory 进程内存储，重启后数据丢失
type Memory struct {
	mu          sync.RWMutex
	samples     []Sample
	predictions []PredictionRecord
	watermark   int
	triggers    map[int64]model.TrainingTrigger
	lastID      int64
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{triggers: make(map[int64]model.TrainingTrigger)}
}

func (m *Memory) AppendSample(ctx context.Context, frame model.SensorFrame, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, newSample(frame, label))
	return nil
}

func (m *Memory) AccumulatedCount(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples), nil
}

// Samples 返回全部样本的副本
func (m *Memory) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.samples...)
}

func (m *Memory) LastTrainingWatermark(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermark, nil
}

func (m *Memory) SetLastTrainingWatermark(ctx context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = count
	return nil
}

// RecordPrediction 保存预测记录，只保留最近的1000条
func (m *Memory) RecordPrediction(ctx context.Context, frame model.SensorFrame, ev model.PredictionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions = append(m.predictions, newPredictionRecord(frame, ev))
	if over := len(m.predictions) - memoryPredictionLimit; over > 0 {
		m.predictions = append([]PredictionRecord(nil), m.predictions[over:]...)
	}
	return nil
}

// RecentPredictions 按时间倒序返回最多limit条预测
func (m *Memory) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.predictions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]PredictionRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.predictions[i])
	}
	return out, nil
}

func (m *Memory) NotifyTrigger(t model.TrainingTrigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[t.ID] = t
	if t.ID > m.lastID {
		m.lastID = t.ID
	}
}

// Trigger 按ID返回保存的触发器
func (m *Memory) Trigger(id int64) (model.TrainingTrigger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	return t, ok
}

func (m *Memory) LastTriggerID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastID, nil
}

func (m *Memory) Close(ctx context.Context) error { return nil }
