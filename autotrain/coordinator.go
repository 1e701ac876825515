// Package autotrain 根据连续重复的预测积累训练样本，并在新样本足够多时触发重新训练。
//
// 同一时间最多只有一个处于Pending或Running状态的训练触发器。
// 水位(上次成功训练时的累计样本数)只在训练成功后前移，失败时保留，
// 下一个新样本到来时会用同一批证据重试。
package autotrain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"signglove/log"
	"signglove/model"
)

// Store 训练样本与水位的持久化
type Store interface {
	AppendSample(ctx context.Context, frame model.SensorFrame, label string) error
	AccumulatedCount(ctx context.Context) (int, error)
	LastTrainingWatermark(ctx context.Context) (int, error)
	SetLastTrainingWatermark(ctx context.Context, count int) error
}

// Trainer 异步训练
type Trainer interface {
	TrainAsync(ctx context.Context, datasetRef string) (*model.TrainingJob, error)
}

// Notifier 在触发器状态变化时收到通知，不能阻塞
type Notifier interface {
	NotifyTrigger(t model.TrainingTrigger)
}

// triggerSequencer 由能记住历史触发器的Store实现，重启后ID继续递增
type triggerSequencer interface {
	LastTriggerID(ctx context.Context) (int64, error)
}

// Config 自动训练配置
type Config struct {
	RepeatThreshold int           // 同一标签连续出现多少次记一个样本，默认10
	TrainThreshold  int           // 新样本达到多少触发训练，默认50
	DatasetRef      string        // 传给Trainer的数据集
	TrainTimeout    time.Duration // 等待训练结果的上限，默认30分钟
	QueueSize       int           // Observe收件箱长度，默认256
	HistorySize     int           // 保留多少条已结束的触发器，默认32
}

type observation struct {
	frame model.SensorFrame
	label string
}

// Snapshot 协调器的当前状态，用于/status
type Snapshot struct {
	RunLabel    string                  `json:"run_label"`
	RunCount    int                     `json:"run_count"`
	Accumulated int                     `json:"accumulated_samples"`
	Watermark   int                     `json:"last_training_sample_count"`
	Active      *model.TrainingTrigger  `json:"active,omitempty"`
	History     []model.TrainingTrigger `json:"history"`
}

// Coordinator 自动训练协调器
type Coordinator struct {
	cfg       Config
	store     Store
	trainer   Trainer
	notifiers []Notifier
	inbox     chan observation

	// 训练协程的生命周期，Close时取消
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	runLabel    string
	runCount    int
	accumulated int
	watermark   int
	lastID      int64
	active      *model.TrainingTrigger
	history     []model.TrainingTrigger

	now func() time.Time
}

// New 创建协调器，调用Restore加载持久化状态后再调用Run
func New(cfg Config, store Store, trainer Trainer, notifiers ...Notifier) *Coordinator {
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = 10
	}
	if cfg.TrainThreshold <= 0 {
		cfg.TrainThreshold = 50
	}
	if cfg.TrainTimeout <= 0 {
		cfg.TrainTimeout = 30 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		trainer:   trainer,
		notifiers: notifiers,
		inbox:     make(chan observation, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Restore 从Store加载累计样本数和水位，并立即检查一次触发条件
func (c *Coordinator) Restore(ctx context.Context) error {
	accumulated, err := c.store.AccumulatedCount(ctx)
	if err != nil {
		return fmt.Errorf("读取累计样本数失败: %w", err)
	}
	watermark, err := c.store.LastTrainingWatermark(ctx)
	if err != nil {
		return fmt.Errorf("读取训练水位失败: %w", err)
	}
	var lastID int64
	if seq, ok := c.store.(triggerSequencer); ok {
		if lastID, err = seq.LastTriggerID(ctx); err != nil {
			return fmt.Errorf("读取触发器序号失败: %w", err)
		}
	}

	c.mu.Lock()
	c.accumulated = accumulated
	c.watermark = watermark
	if lastID > c.lastID {
		c.lastID = lastID
	}
	trigger, ok := c.maybeTriggerLocked()
	c.mu.Unlock()

	log.Infof("自动训练状态已恢复: 累计样本 %d, 水位 %d", accumulated, watermark)
	if ok {
		c.startTraining(trigger)
	}
	return nil
}

// Observe 把一次预测放入收件箱，不阻塞；收件箱满时返回false
func (c *Coordinator) Observe(frame model.SensorFrame, label string) bool {
	select {
	case c.inbox <- observation{frame: frame, label: label}:
		return true
	default:
		return false
	}
}

// Run 按到达顺序处理收件箱，直到ctx结束
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-c.inbox:
			c.Process(ctx, obs.frame, obs.label)
		}
	}
}

// Process 同步处理一次预测
//
// 参数:
//   - ctx: 用于Store写入
//   - frame: 预测用的帧，达到重复阈值时作为样本写入
//   - label: 预测标签
//
// 返回:
//   - bool: 本次是否写入了一个样本
func (c *Coordinator) Process(ctx context.Context, frame model.SensorFrame, label string) bool {
	label = strings.TrimSpace(label)
	if label == "" {
		return false
	}

	c.mu.Lock()
	if label != c.runLabel {
		c.runLabel = label
		c.runCount = 0
	}
	c.runCount++
	reached := c.runCount >= c.cfg.RepeatThreshold
	if reached {
		// 在锁内占用这一段，写入期间到达的同标签帧开始新的一段
		c.runCount = 0
	}
	c.mu.Unlock()

	if !reached {
		return false
	}

	if err := c.store.AppendSample(ctx, frame, label); err != nil {
		log.Errorf("写入训练样本失败(%s): %v", label, err)
		// 写入失败时归还计数，同一标签的下一帧会再次尝试
		c.mu.Lock()
		if c.runLabel == label {
			c.runCount += c.cfg.RepeatThreshold
		}
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	c.accumulated++
	log.Debugf("新增训练样本 %s, 累计 %d, 水位 %d", label, c.accumulated, c.watermark)
	trigger, ok := c.maybeTriggerLocked()
	c.mu.Unlock()

	if ok {
		c.startTraining(trigger)
	}
	return true
}

// maybeTriggerLocked 检查并占用训练名额，必须持有c.mu；返回true时调用方必须startTraining
func (c *Coordinator) maybeTriggerLocked() (model.TrainingTrigger, bool) {
	if c.active != nil || c.ctx.Err() != nil {
		return model.TrainingTrigger{}, false
	}
	if c.accumulated-c.watermark < c.cfg.TrainThreshold {
		return model.TrainingTrigger{}, false
	}
	c.lastID++
	t := model.TrainingTrigger{
		ID:          c.lastID,
		SampleCount: c.accumulated,
		Status:      model.TriggerPending,
		CreatedAt:   c.now(),
	}
	c.active = &t
	c.wg.Add(1)
	return t, true
}

func (c *Coordinator) startTraining(t model.TrainingTrigger) {
	log.Infof("触发自动训练 #%d, 新样本 %d", t.ID, t.SampleCount-c.Watermark())
	c.notify(t)
	go c.train(t)
}

func (c *Coordinator) train(t model.TrainingTrigger) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.TrainTimeout)
	defer cancel()

	t = c.update(func(a *model.TrainingTrigger) { a.Status = model.TriggerRunning })
	c.notify(t)

	var res model.TrainingResult
	job, err := c.trainer.TrainAsync(ctx, c.cfg.DatasetRef)
	if err == nil {
		t = c.update(func(a *model.TrainingTrigger) { a.JobID = job.ID })
		res, err = job.Wait(ctx)
	}
	if err == nil && res.Status != model.JobSuccess {
		msg := res.Error
		if msg == "" {
			msg = "training failed"
		}
		err = errors.New(msg)
	}

	if err == nil {
		// 持久化失败只影响重启后的状态，内存水位照常前移
		if serr := c.store.SetLastTrainingWatermark(c.ctx, t.SampleCount); serr != nil {
			log.Errorf("保存训练水位失败: %v", serr)
		}
	}
	c.finish(t, res, err)
}

// update 修改当前活动的触发器并返回副本
func (c *Coordinator) update(fn func(*model.TrainingTrigger)) model.TrainingTrigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.active)
	return *c.active
}

func (c *Coordinator) finish(t model.TrainingTrigger, res model.TrainingResult, err error) {
	c.mu.Lock()
	t.FinishedAt = c.now()
	if err != nil {
		t.Status = model.TriggerFailed
		t.Error = err.Error()
	} else {
		t.Status = model.TriggerCompleted
		t.ModelRef = res.ModelRef
		t.Accuracy = res.Accuracy
		if t.SampleCount > c.watermark {
			c.watermark = t.SampleCount
		}
	}
	c.active = nil
	c.history = append(c.history, t)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append([]model.TrainingTrigger(nil), c.history[over:]...)
	}
	c.mu.Unlock()

	if err != nil {
		log.Errorf("自动训练 #%d 失败: %v", t.ID, err)
	} else {
		log.Infof("自动训练 #%d 完成: model=%s accuracy=%.3f", t.ID, t.ModelRef, t.Accuracy)
	}
	c.notify(t)
}

func (c *Coordinator) notify(t model.TrainingTrigger) {
	for _, n := range c.notifiers {
		n.NotifyTrigger(t)
	}
}

// Watermark 返回上次成功训练时的累计样本数
func (c *Coordinator) Watermark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// Snapshot 返回当前状态的副本
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		RunLabel:    c.runLabel,
		RunCount:    c.runCount,
		Accumulated: c.accumulated,
		Watermark:   c.watermark,
		History:     append([]model.TrainingTrigger(nil), c.history...),
	}
	if c.active != nil {
		a := *c.active
		s.Active = &a
	}
	return s
}

// Close 取消正在等待的训练并等待其结束
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}
