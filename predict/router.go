// Package predict 服务端的预测路由：校验帧、调用模型、把结果转给自动训练。
package predict

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"signglove/log"
	"signglove/model"
)

// ErrInvalidFrame 帧通道数与配置不符
var ErrInvalidFrame = errors.New("predict: invalid frame")

// Model 推理模型
type Model interface {
	Predict(ctx context.Context, channels []float64) (label string, confidence float64, err error)
}

// Sink 接收(帧,标签)，实现方必须不阻塞，返回false表示被丢弃
type Sink interface {
	Observe(frame model.SensorFrame, label string) bool
}

// Recorder 记录每次预测，例如写数据库或发布到MQTT
type Recorder interface {
	RecordPrediction(ctx context.Context, frame model.SensorFrame, ev model.PredictionEvent) error
}

// Config Router配置
type Config struct {
	ChannelArity int
	QueueSize    int // 预测记录队列长度，默认256
}

type record struct {
	frame model.SensorFrame
	event model.PredictionEvent
}

// Router 预测路由，可被多个连接并发调用
type Router struct {
	cfg       Config
	model     Model
	sink      Sink
	recorders []Recorder
	records   chan record
}

// New 创建Router，sink可以为nil
func New(cfg Config, m Model, sink Sink, recorders ...Recorder) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Router{
		cfg:       cfg,
		model:     m,
		sink:      sink,
		recorders: recorders,
		records:   make(chan record, cfg.QueueSize),
	}
}

// ChannelArity 返回配置的通道数
func (r *Router) ChannelArity() int { return r.cfg.ChannelArity }

// Predict 对一帧做预测
//
// 参数:
//   - ctx: 用于取消推理调用
//   - frame: 传感器帧
//
// 返回:
//   - model.PredictionEvent: 置信度已限制在[0,1]，带回帧的关联ID(没有则新生成)
//   - error: 没有通道或通道数不符时为ErrInvalidFrame，推理失败时为模型的错误
func (r *Router) Predict(ctx context.Context, frame model.SensorFrame) (model.PredictionEvent, error) {
	if frame.Arity() == 0 {
		return model.PredictionEvent{}, fmt.Errorf("%w: no channels", ErrInvalidFrame)
	}
	if r.cfg.ChannelArity > 0 && frame.Arity() != r.cfg.ChannelArity {
		return model.PredictionEvent{}, fmt.Errorf("%w: expected %d channels, got %d",
			ErrInvalidFrame, r.cfg.ChannelArity, frame.Arity())
	}

	label, confidence, err := r.model.Predict(ctx, frame.Channels())
	if err != nil {
		return model.PredictionEvent{}, fmt.Errorf("推理失败: %w", err)
	}

	id := frame.ID()
	if id == "" {
		id = uuid.New().String()
	}
	ev := model.PredictionEvent{
		Label:         label,
		Confidence:    model.ClampConfidence(confidence),
		Timestamp:     frame.Timestamp(),
		CorrelationID: id,
	}

	if r.sink != nil && !r.sink.Observe(frame, label) {
		log.Warnf("自动训练队列已满，丢弃样本 %s", label)
	}
	if len(r.recorders) > 0 {
		select {
		case r.records <- record{frame: frame, event: ev}:
		default:
			log.Warnf("预测记录队列已满，丢弃 %s", id)
		}
	}
	return ev, nil
}

// Run 把预测记录写给各个Recorder，直到ctx结束
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.records:
			for _, rc := range r.recorders {
				if err := rc.RecordPrediction(ctx, rec.frame, rec.event); err != nil {
					log.Warnf("记录预测失败: %v", err)
				}
			}
		}
	}
}
