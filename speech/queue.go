// Package speech 把预测事件流转换成语音播报。
//
// Queue 只有一个消费协程，一次只播放一句，播放结束(或出错)后才取下一句。
// 冷却时间内播报文本与上一句相同时直接丢弃。
package speech

import (
	"context"
	"strings"
	"sync"
	"time"

	"signglove/log"
	"signglove/model"
)

// Speaker 语音输出
type Speaker interface {
	// Speak 播放一句话，播放结束或ctx取消时返回
	Speak(ctx context.Context, text string) error
	// Cancel 立即停止当前播放
	Cancel()
}

// Config Queue配置
type Config struct {
	Enabled       bool
	Cooldown      time.Duration     // 相同播报文本的冷却时间，默认400ms
	SpeakTimeout  time.Duration     // 单句播放上限，0表示不限制
	MinConfidence float64           // 低于该置信度不播报
	Phrases       map[string]string // 标签 -> 播报文本
	IdleLabels    []string          // 不播报的空闲手势
}

// Task 待播报的一句话
type Task struct {
	Label      string
	Text       string
	EnqueuedAt time.Time
}

// Queue 语音播报队列
type Queue struct {
	cfg     Config
	speaker Speaker
	idle    map[string]struct{}

	mu        sync.Mutex
	enabled   bool
	pending   []Task
	lastText  string
	lastAt    time.Time
	hasLast   bool
	current   context.CancelFunc // 正在播放的那一句
	wake      chan struct{}

	now func() time.Time
}

// New 创建播报队列，需要调用Run启动消费协程
func New(cfg Config, speaker Speaker) *Queue {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 400 * time.Millisecond
	}
	idle := make(map[string]struct{}, len(cfg.IdleLabels))
	for _, l := range cfg.IdleLabels {
		idle[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	return &Queue{
		cfg:     cfg,
		speaker: speaker,
		idle:    idle,
		enabled: cfg.Enabled,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// OnPrediction 接收一个预测事件，可能入队一句播报
//
// 返回是否入队。可以和Run并发调用。
func (q *Queue) OnPrediction(ev model.PredictionEvent) bool {
	label := strings.TrimSpace(ev.Label)
	if label == "" {
		return false
	}
	if _, ok := q.idle[strings.ToLower(label)]; ok {
		return false
	}
	if ev.Confidence < q.cfg.MinConfidence {
		return false
	}

	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return false
	}
	now := q.now()
	text := q.phrase(label)
	// 不同标签可能映射到同一句话，按文本去重
	if q.hasLast && text == q.lastText && now.Sub(q.lastAt) < q.cfg.Cooldown {
		q.mu.Unlock()
		log.Debugf("冷却中，丢弃重复播报: %s(%s)", text, label)
		return false
	}
	q.lastText = text
	q.lastAt = now
	q.hasLast = true
	q.pending = append(q.pending, Task{Label: label, Text: text, EnqueuedAt: now})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) phrase(label string) string {
	if text, ok := q.cfg.Phrases[label]; ok && text != "" {
		return text
	}
	return label
}

// SetEnabled 开关播报；关闭时取消正在播放的一句并丢弃待播内容
func (q *Queue) SetEnabled(enabled bool) {
	q.mu.Lock()
	q.enabled = enabled
	var cancel context.CancelFunc
	if !enabled {
		q.pending = nil
		cancel = q.current
	}
	q.mu.Unlock()

	if !enabled {
		if cancel != nil {
			cancel()
		}
		q.speaker.Cancel()
		log.Infof("语音播报已关闭")
	} else {
		log.Infof("语音播报已开启")
	}
}

// Enabled 返回当前是否开启
func (q *Queue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// Flush 丢弃所有待播内容，不影响正在播放的一句
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	return n
}

// Pending 返回待播数量
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run 消费协程，直到ctx结束
func (q *Queue) Run(ctx context.Context) {
	for {
		task, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		q.speak(ctx, task)
	}
}

func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Task{}, false
	}
	t := q.pending[0]
	q.pending[0] = Task{}
	q.pending = q.pending[1:]
	return t, true
}

func (q *Queue) speak(parent context.Context, task Task) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if q.cfg.SpeakTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, q.cfg.SpeakTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return
	}
	q.current = cancel
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.current = nil
		q.mu.Unlock()
	}()

	start := time.Now()
	if err := q.speaker.Speak(ctx, task.Text); err != nil {
		log.Warnf("语音播报失败(%s): %v", task.Text, err)
		return
	}
	log.Debugf("播报完成: %s, 排队 %v, 播放 %v", task.Text, start.Sub(task.EnqueuedAt), time.Since(start))
}
