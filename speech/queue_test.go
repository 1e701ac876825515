package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signglove/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSpeaker struct {
	mu        sync.Mutex
	spoken    []string
	active    int
	maxActive int
	cancels   int
	fail      map[string]bool

	// hold 非空时每句都要等它关闭(或ctx取消)才返回
	hold chan struct{}
}

func (s *recordingSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	hold := s.hold
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		time.Sleep(time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[text] {
		return errors.New("audio device busy")
	}
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *recordingSpeaker) Cancel() {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
}

func (s *recordingSpeaker) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(cfg Config, sp Speaker) (*Queue, *fakeClock) {
	q := New(cfg, sp)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	q.now = clock.Now
	return q, clock
}

func event(label string) model.PredictionEvent {
	return model.PredictionEvent{Label: label, Confidence: 0.9}
}

func TestCooldownDiscardsRepeatedLabel(t *testing.T) {
	q, clock := newQueue(Config{Enabled: true}, &recordingSpeaker{})

	assert.True(t, q.OnPrediction(event("Hello")))
	clock.Advance(100 * time.Millisecond)
	assert.False(t, q.OnPrediction(event("Hello")))
	clock.Advance(299 * time.Millisecond)
	assert.False(t, q.OnPrediction(event("Hello")))
	clock.Advance(time.Millisecond)
	assert.True(t, q.OnPrediction(event("Hello")))

	assert.Equal(t, 2, q.Pending())
}

func TestDifferentLabelIsNotDeduplicated(t *testing.T) {
	q, clock := newQueue(Config{Enabled: true}, &recordingSpeaker{})

	assert.True(t, q.OnPrediction(event("Hello")))
	clock.Advance(10 * time.Millisecond)
	assert.True(t, q.OnPrediction(event("Yes")))
	clock.Advance(10 * time.Millisecond)
	assert.True(t, q.OnPrediction(event("Hello")))
	assert.Equal(t, 3, q.Pending())
}

func TestLabelsSharingPhraseAreDeduplicated(t *testing.T) {
	q, clock := newQueue(Config{
		Enabled: true,
		Phrases: map[string]string{"hi": "Hello", "hello": "Hello"},
	}, &recordingSpeaker{})

	assert.True(t, q.OnPrediction(event("hi")))
	clock.Advance(100 * time.Millisecond)
	assert.False(t, q.OnPrediction(event("hello")))
	assert.Equal(t, 1, q.Pending())

	clock.Advance(300 * time.Millisecond)
	assert.True(t, q.OnPrediction(event("hello")))
	assert.Equal(t, 2, q.Pending())
}

func TestDiscardedEventDoesNotExtendCooldown(t *testing.T) {
	q, clock := newQueue(Config{Enabled: true, Cooldown: 400 * time.Millisecond}, &recordingSpeaker{})

	require.True(t, q.OnPrediction(event("A")))
	for i := 0; i < 3; i++ {
		clock.Advance(150 * time.Millisecond)
		q.OnPrediction(event("A"))
	}
	// 最后一次被接受的时间仍是第一帧，450ms后应当允许
	assert.Equal(t, 2, q.Pending())
}

func TestFiltersIdleBlankAndLowConfidence(t *testing.T) {
	q, _ := newQueue(Config{
		Enabled:       true,
		MinConfidence: 0.5,
		IdleLabels:    []string{"hand_resting", "none"},
	}, &recordingSpeaker{})

	assert.False(t, q.OnPrediction(event("")))
	assert.False(t, q.OnPrediction(event("  ")))
	assert.False(t, q.OnPrediction(event("Hand_Resting")))
	assert.False(t, q.OnPrediction(event("none")))
	assert.False(t, q.OnPrediction(model.PredictionEvent{Label: "Yes", Confidence: 0.2}))
	assert.True(t, q.OnPrediction(event("Yes")))
}

func TestDisabledIsNoop(t *testing.T) {
	sp := &recordingSpeaker{}
	q, _ := newQueue(Config{Enabled: false}, sp)
	assert.False(t, q.OnPrediction(event("Hello")))
	assert.Equal(t, 0, q.Pending())

	q.SetEnabled(true)
	assert.True(t, q.OnPrediction(event("Hello")))
}

func TestSpeaksInArrivalOrderWithoutOverlap(t *testing.T) {
	sp := &recordingSpeaker{}
	q, clock := newQueue(Config{
		Enabled: true,
		Phrases: map[string]string{"Class 0": "Hello", "Class 1": "Thank you"},
	}, sp)

	labels := []string{"Class 0", "Class 1", "Yes", "Class 0", "No"}
	for _, l := range labels {
		require.True(t, q.OnPrediction(event(l)))
		clock.Advance(50 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, func() bool { return len(sp.snapshot()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"Hello", "Thank you", "Yes", "Hello", "No"}, sp.snapshot())
	assert.Equal(t, 1, sp.maxActive)
}

func TestConcurrentProducersNeverOverlapSpeech(t *testing.T) {
	sp := &recordingSpeaker{}
	q := New(Config{Enabled: true}, sp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				q.OnPrediction(event(string(rune('A' + p*5 + i))))
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(sp.snapshot()) == 20 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, sp.maxActive)
}

func TestSpeakerErrorDoesNotStopLoop(t *testing.T) {
	sp := &recordingSpeaker{fail: map[string]bool{"B": true}}
	q, clock := newQueue(Config{Enabled: true}, sp)
	for _, l := range []string{"A", "B", "C"} {
		q.OnPrediction(event(l))
		clock.Advance(time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, func() bool { return len(sp.snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"A", "C"}, sp.snapshot())
}

func TestSetEnabledFalseCancelsInFlight(t *testing.T) {
	sp := &recordingSpeaker{hold: make(chan struct{})}
	q, clock := newQueue(Config{Enabled: true}, sp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.OnPrediction(event("A"))
	clock.Advance(time.Second)
	q.OnPrediction(event("B"))

	require.Eventually(t, func() bool {
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.active == 1
	}, time.Second, time.Millisecond)

	q.SetEnabled(false)

	require.Eventually(t, func() bool {
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.active == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, sp.cancels)
	assert.Equal(t, 0, q.Pending())
	assert.Empty(t, sp.snapshot())
	assert.False(t, q.OnPrediction(event("C")))
}

func TestSpeakTimeoutBoundsUtterance(t *testing.T) {
	sp := &recordingSpeaker{hold: make(chan struct{})}
	q := New(Config{Enabled: true, SpeakTimeout: 20 * time.Millisecond}, sp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.OnPrediction(event("A"))
	q.OnPrediction(event("B"))

	// 两句都会因超时被放弃，循环不会卡住
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.active == 0
	}, time.Second, time.Millisecond)
}

func TestFlushDropsPending(t *testing.T) {
	sp := &recordingSpeaker{}
	q, clock := newQueue(Config{Enabled: true}, sp)
	for _, l := range []string{"A", "B", "C"} {
		q.OnPrediction(event(l))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 3, q.Flush())
	assert.Equal(t, 0, q.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, sp.snapshot())
}
