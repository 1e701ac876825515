package model

import (
	"context"
	"sync"
	"time"
)

// TriggerStatus 训练触发器状态
type TriggerStatus string

const (
	TriggerPending   TriggerStatus = "pending"
	TriggerRunning   TriggerStatus = "running"
	TriggerCompleted TriggerStatus = "completed"
	TriggerFailed    TriggerStatus = "failed"
)

// Active 表示触发器是否仍占用训练名额
func (s TriggerStatus) Active() bool {
	return s == TriggerPending || s == TriggerRunning
}

// TrainingTrigger 一次自动训练的记录
type TrainingTrigger struct {
	ID          int64         `json:"id" bson:"trigger_id"`
	SampleCount int           `json:"sample_count" bson:"sample_count"` // 触发时累计的新样本数
	Status      TriggerStatus `json:"status" bson:"status"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at"`
	FinishedAt  time.Time     `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	JobID       string        `json:"job_id,omitempty" bson:"job_id,omitempty"`
	ModelRef    string        `json:"model_ref,omitempty" bson:"model_ref,omitempty"`
	Accuracy    float64       `json:"accuracy,omitempty" bson:"accuracy,omitempty"`
	Error       string        `json:"error,omitempty" bson:"error,omitempty"`
}

// JobStatus 训练任务最终状态
type JobStatus string

const (
	JobSuccess JobStatus = "success"
	JobFailure JobStatus = "failure"
)

// TrainingResult 训练任务的结果
type TrainingResult struct {
	Status   JobStatus `json:"status"`
	ModelRef string    `json:"model_ref,omitempty"`
	Accuracy float64   `json:"accuracy,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// TrainingJob 异步训练任务句柄，最终解析为一个TrainingResult
type TrainingJob struct {
	ID string

	once   sync.Once
	done   chan struct{}
	result TrainingResult
}

// NewTrainingJob 创建一个未完成的任务句柄
func NewTrainingJob(id string) *TrainingJob {
	return &TrainingJob{ID: id, done: make(chan struct{})}
}

// Resolve 设置任务结果，只有第一次调用生效
func (j *TrainingJob) Resolve(r TrainingResult) {
	j.once.Do(func() {
		j.result = r
		close(j.done)
	})
}

// Done 在任务完成时关闭
func (j *TrainingJob) Done() <-chan struct{} { return j.done }

// Wait 等待任务完成或ctx结束
func (j *TrainingJob) Wait(ctx context.Context) (TrainingResult, error) {
	select {
	case <-j.done:
		return j.result, nil
	case <-ctx.Done():
		return TrainingResult{}, ctx.Err()
	}
}
