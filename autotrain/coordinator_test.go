package autotrain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"signglove/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	samples   []string
	watermark int
	failNext  int
	lastID    int64
}

func (s *fakeStore) AppendSample(ctx context.Context, frame model.SensorFrame, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("disk full")
	}
	s.samples = append(s.samples, label)
	return nil
}

func (s *fakeStore) AccumulatedCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples), nil
}

func (s *fakeStore) LastTrainingWatermark(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

func (s *fakeStore) SetLastTrainingWatermark(ctx context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = count
	return nil
}

func (s *fakeStore) sampleLabels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.samples...)
}

type sequencedStore struct {
	*fakeStore
}

func (s sequencedStore) LastTriggerID(ctx context.Context) (int64, error) {
	return s.lastID, nil
}

// manualTrainer 返回的任务由测试手动完成
type manualTrainer struct {
	mu    sync.Mutex
	jobs  []*model.TrainingJob
	err   error
	calls int
}

func (tr *manualTrainer) TrainAsync(ctx context.Context, datasetRef string) (*model.TrainingJob, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls++
	if tr.err != nil {
		return nil, tr.err
	}
	job := model.NewTrainingJob(fmt.Sprintf("job-%d", tr.calls))
	tr.jobs = append(tr.jobs, job)
	return job, nil
}

func (tr *manualTrainer) callCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.calls
}

func (tr *manualTrainer) job(i int) *model.TrainingJob {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if i >= len(tr.jobs) {
		return nil
	}
	return tr.jobs[i]
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []model.TriggerStatus
}

func (n *recordingNotifier) NotifyTrigger(t model.TrainingTrigger) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, t.Status)
}

func (n *recordingNotifier) seen() []model.TriggerStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.TriggerStatus(nil), n.statuses...)
}

func sample() model.SensorFrame {
	return model.NewSensorFrame(make([]float64, 11), 1, "", "")
}

func feed(c *Coordinator, labels ...string) {
	for _, l := range labels {
		c.Process(context.Background(), sample(), l)
	}
}

func repeat(label string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = label
	}
	return out
}

func waitJob(t *testing.T, tr *manualTrainer, i int) *model.TrainingJob {
	t.Helper()
	require.Eventually(t, func() bool { return tr.job(i) != nil }, time.Second, time.Millisecond)
	return tr.job(i)
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().Active == nil }, time.Second, time.Millisecond)
}

func TestScenarioRunsProduceSamplesAndOneTrigger(t *testing.T) {
	store := &fakeStore{}
	tr := &manualTrainer{}
	c := New(Config{RepeatThreshold: 3, TrainThreshold: 2}, store, tr)
	defer c.Close()

	feed(c, "A", "A", "A", "B", "B", "B")

	assert.Equal(t, []string{"A", "B"}, store.sampleLabels())
	job := waitJob(t, tr, 0)
	assert.Equal(t, 1, tr.callCount())

	snap := c.Snapshot()
	require.NotNil(t, snap.Active)
	assert.Equal(t, 2, snap.Active.SampleCount)
	assert.Equal(t, int64(1), snap.Active.ID)

	job.Resolve(model.TrainingResult{Status: model.JobSuccess, ModelRef: "m-1", Accuracy: 0.93})
	waitIdle(t, c)
	assert.Equal(t, 2, c.Watermark())
	assert.Equal(t, 2, store.watermark)
}

func TestShortRunsAppendNothing(t *testing.T) {
	store := &fakeStore{}
	c := New(Config{RepeatThreshold: 3, TrainThreshold: 1}, store, &manualTrainer{})
	defer c.Close()

	feed(c, "A", "A", "B", "B", "A", "A", "C")
	assert.Empty(t, store.sampleLabels())
	assert.Equal(t, 0, c.Snapshot().Accumulated)
}

func TestRunResetsAfterAppend(t *testing.T) {
	store := &fakeStore{}
	c := New(Config{RepeatThreshold: 3, TrainThreshold: 100}, store, &manualTrainer{})
	defer c.Close()

	feed(c, repeat("A", 7)...)
	assert.Equal(t, []string{"A", "A"}, store.sampleLabels())
	assert.Equal(t, 1, c.Snapshot().RunCount)
}

func TestSingleFlightTraining(t *testing.T) {
	store := &fakeStore{}
	tr := &manualTrainer{}
	c := New(Config{RepeatThreshold: 1, TrainThreshold: 2}, store, tr)
	defer c.Close()

	feed(c, "A", "B")
	job := waitJob(t, tr, 0)

	// 训练进行中，继续积累远超阈值的样本也不会产生第二个触发器
	feed(c, "C", "D", "E", "F", "G", "H")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, tr.callCount())

	job.Resolve(model.TrainingResult{Status: model.JobSuccess})
	waitIdle(t, c)
	assert.Equal(t, 2, c.Watermark())

	// 成功之后下一个新样本按新水位判断: 9-2 >= 2
	feed(c, "I")
	waitJob(t, tr, 1)
	assert.Equal(t, 2, tr.callCount())
	assert.Equal(t, int64(2), c.Snapshot().Active.ID)
}

func TestConcurrentProcessNeverDoubleTriggers(t *testing.T) {
	store := &fakeStore{}
	tr := &manualTrainer{}
	c := New(Config{RepeatThreshold: 1, TrainThreshold: 1}, store, tr)
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				c.Process(context.Background(), sample(), fmt.Sprintf("L%d-%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, tr.callCount())
}

// blockingStore 第一次AppendSample阻塞到release关闭
type blockingStore struct {
	*fakeStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{fakeStore: &fakeStore{}, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingStore) AppendSample(ctx context.Context, frame model.SensorFrame, label string) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.fakeStore.AppendSample(ctx, frame, label)
}

func TestRunReservedWhileAppending(t *testing.T) {
	store := newBlockingStore()
	c := New(Config{RepeatThreshold: 2, TrainThreshold: 100}, store, &manualTrainer{})
	defer c.Close()

	c.Process(context.Background(), sample(), "A")
	done := make(chan bool)
	go func() { done <- c.Process(context.Background(), sample(), "A") }()
	<-store.entered

	// 写入期间同一标签的下一帧属于新的一段
	assert.False(t, c.Process(context.Background(), sample(), "A"))
	close(store.release)
	assert.True(t, <-done)
	assert.Equal(t, []string{"A"}, store.sampleLabels())
	assert.Equal(t, 1, c.Snapshot().RunCount)
}

func TestLabelChangeDuringAppendKeepsNewRun(t *testing.T) {
	store := newBlockingStore()
	c := New(Config{RepeatThreshold: 2, TrainThreshold: 100}, store, &manualTrainer{})
	defer c.Close()

	c.Process(context.Background(), sample(), "A")
	done := make(chan bool)
	go func() { done <- c.Process(context.Background(), sample(), "A") }()
	<-store.entered

	c.Process(context.Background(), sample(), "B")
	close(store.release)
	require.True(t, <-done)

	assert.True(t, c.Process(context.Background(), sample(), "B"))
	assert.Equal(t, []string{"A", "B"}, store.sampleLabels())
}

func TestWatermarkNotAdvancedOnFailure(t *testing.T) {
	store := &fakeStore{}
	tr := &manualTrainer{}
	n := &recordingNotifier{}
	c := New(Config{RepeatThreshold: 1, TrainThreshold: 2}, store, tr, n)
	defer c.Close()

	feed(c, "A", "B")
	waitJob(t, tr, 0).Resolve(model.TrainingResult{Status: model.JobFailure, Error: "loss diverged"})
	waitIdle(t, c)

	assert.Equal(t, 0, c.Watermark())
	assert.Equal(t, 0, store.watermark)
	snap := c.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, model.TriggerFailed, snap.History[0].Status)
	assert.Equal(t, "loss diverged", snap.History[0].Error)

	require.Eventually(t, func() bool { return len(n.seen()) == 3 }, time.Second, time.Millisecond)

	// 同一批证据在下一个新样本到来时重试
	feed(c, "C")
	waitJob(t, tr, 1).Resolve(model.TrainingResult{Status: model.JobSuccess})
	waitIdle(t, c)
	assert.Equal(t, 3, c.Watermark())
	require.Eventually(t, func() bool { return len(n.seen()) == 6 }, time.Second, time.Millisecond)

	assert.Equal(t, []model.TriggerStatus{
		model.TriggerPending, model.TriggerRunning, model.TriggerFailed,
		model.TriggerPending, model.TriggerRunning, model.TriggerCompleted,
	}, n.seen())
}

func TestTrainerErrorMarksFailed(t *testing.T) {
	tr := &manualTrainer{err: errors.New("trainer unreachable")}
	c := New(Config{RepeatThreshold: 1, TrainThreshold: 1}, &fakeStore{}, tr)
	defer c.Close()

	feed(c, "A")
	require.Eventually(t, func() bool { return len(c.Snapshot().History) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, model.TriggerFailed, c.Snapshot().History[0].Status)
	assert.Equal(t, 0, c.Watermark())
}

func TestTrainTimeoutMarksFailed(t *testing.T) {
	tr := &manualTrainer{}
	c := New(Config{RepeatThreshold: 1, TrainThreshold: 1, TrainTimeout: 20 * time.Millisecond}, &fakeStore{}, tr)
	defer c.Close()

	feed(c, "A")
	require.Eventually(t, func() bool { return len(c.Snapshot().History) == 1 }, time.Second, time.Millisecond)
	h := c.Snapshot().History[0]
	assert.Equal(t, model.TriggerFailed, h.Status)
	assert.Contains(t, h.Error, "deadline")
}

func TestAppendFailureKeepsRun(t *testing.T) {
	store := &fakeStore{failNext: 1}
	c := New(Config{RepeatThreshold: 2, TrainThreshold: 100}, store, &manualTrainer{})
	defer c.Close()

	feed(c, "A", "A")
	assert.Empty(t, store.sampleLabels())
	feed(c, "A")
	assert.Equal(t, []string{"A"}, store.sampleLabels())
}

func TestRestoreTriggersOnPersistedEvidence(t *testing.T) {
	store := &fakeStore{samples: repeat("A", 60), watermark: 5, lastID: 7}
	tr := &manualTrainer{}
	c := New(Config{}, sequencedStore{store}, tr)
	defer c.Close()

	require.NoError(t, c.Restore(context.Background()))
	waitJob(t, tr, 0)

	snap := c.Snapshot()
	assert.Equal(t, 60, snap.Accumulated)
	assert.Equal(t, 5, snap.Watermark)
	require.NotNil(t, snap.Active)
	assert.Equal(t, int64(8), snap.Active.ID)
}

func TestRestoreBelowThreshold(t *testing.T) {
	store := &fakeStore{samples: repeat("A", 30)}
	tr := &manualTrainer{}
	c := New(Config{}, store, tr)
	defer c.Close()

	require.NoError(t, c.Restore(context.Background()))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, tr.callCount())
}

func TestObserveRunPreservesOrder(t *testing.T) {
	store := &fakeStore{}
	c := New(Config{RepeatThreshold: 2, TrainThreshold: 100}, store, &manualTrainer{})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for _, l := range []string{"A", "A", "B", "B", "C", "C"} {
		require.True(t, c.Observe(sample(), l))
	}
	require.Eventually(t, func() bool { return len(store.sampleLabels()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, store.sampleLabels())
}

func TestObserveFullInboxDoesNotBlock(t *testing.T) {
	c := New(Config{QueueSize: 2}, &fakeStore{}, &manualTrainer{})
	defer c.Close()

	assert.True(t, c.Observe(sample(), "A"))
	assert.True(t, c.Observe(sample(), "A"))
	assert.False(t, c.Observe(sample(), "A"))
}

func TestHistoryIsBounded(t *testing.T) {
	tr := &manualTrainer{err: errors.New("down")}
	c := New(Config{RepeatThreshold: 1, TrainThreshold: 1, HistorySize: 3}, &fakeStore{}, tr)
	defer c.Close()

	for i := 0; i < 5; i++ {
		feed(c, fmt.Sprintf("L%d", i))
		waitIdle(t, c)
	}
	h := c.Snapshot().History
	require.Len(t, h, 3)
	assert.Equal(t, int64(3), h[0].ID)
	assert.Equal(t, int64(5), h[2].ID)
}
