// Package streamclient 维护设备端到预测服务的长连接。
//
// Client 是一个显式的状态机：断线后按指数退避定时重连，直到 Close。
// 预测结果通过 Events() 通道交给调用方，重连后继续使用同一个通道，
// 断线期间错过的预测不会重放。
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signglove/codec"
	"signglove/log"
	"signglove/model"
)

var (
	// ErrNotConnected 当前没有可用连接，帧被丢弃
	ErrNotConnected = errors.New("streamclient: not connected")
	// ErrClosed Close之后不能再连接
	ErrClosed = errors.New("streamclient: closed")
	// ErrInvalidFrame 帧通道数与配置不符或无法编码
	ErrInvalidFrame = errors.New("streamclient: invalid frame")
)

// Conn 一条已建立的底层连接
type Conn interface {
	// ReadMessage 阻塞读取下一条数据消息，连接断开时返回错误
	ReadMessage() ([]byte, error)
	// WriteMessage 发送一条数据消息，可与ReadMessage并发调用
	WriteMessage(data []byte) error
	// Close 关闭连接并使阻塞中的ReadMessage返回
	Close() error
}

// Dialer 建立底层连接（握手）
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config Client配置
type Config struct {
	BaseDelay        time.Duration // 退避基数，默认1s
	MaxDelay         time.Duration // 退避上限，默认30s
	HandshakeTimeout time.Duration // 单次握手超时，默认5s
	ChannelArity     int           // 帧通道数，0表示不校验
	EventBuffer      int           // 预测事件缓冲，默认64
}

type timer interface {
	Stop() bool
}

// Client 到预测服务的逻辑会话
type Client struct {
	cfg     Config
	backoff BackoffPolicy
	dialer  Dialer
	codec   codec.Codec

	ctx    context.Context // Close时取消，用于中断握手
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	attempt  int
	conn     Conn
	retry    timer
	retryGen uint64
	closed   bool

	events  chan model.PredictionEvent
	states  chan State
	done    chan struct{}
	readers sync.WaitGroup

	// afterFunc 安排退避定时器，测试中替换
	afterFunc func(d time.Duration, f func()) timer
}

// New 创建Client，初始状态为Disconnected，需要调用Connect
func New(cfg Config, dialer Dialer, c codec.Codec) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 30 * cfg.BaseDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if c == nil {
		c = codec.JSON
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		backoff: BackoffPolicy{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		dialer:  dialer,
		codec:   c,
		ctx:     ctx,
		cancel:  cancel,
		state:   Disconnected,
		events:  make(chan model.PredictionEvent, cfg.EventBuffer),
		states:  make(chan State, 16),
		done:    make(chan struct{}),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Events 返回预测事件序列，只在Close后关闭
func (c *Client) Events() <-chan model.PredictionEvent { return c.events }

// States 返回状态变化通知，消费不及时会丢弃，只用于界面展示
func (c *Client) States() <-chan State { return c.states }

// State 返回当前状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt 返回当前连续失败次数
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Connect 开始建立连接，不等待握手完成
//
// Connected/Connecting时什么都不做；Backoff时取消等待立即重试；
// Close之后返回ErrClosed。
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	switch c.state {
	case Connected, Connecting:
		return nil
	case Backoff:
		c.stopRetryLocked()
	}
	c.startDialLocked()
	return nil
}

// Send 发送一帧，只在Connected时有效，断线期间的帧直接丢弃
func (c *Client) Send(frame model.SensorFrame) error {
	if frame.Arity() == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalidFrame)
	}
	if c.cfg.ChannelArity > 0 && frame.Arity() != c.cfg.ChannelArity {
		return fmt.Errorf("%w: expected %d channels, got %d", ErrInvalidFrame, c.cfg.ChannelArity, frame.Arity())
	}
	data, err := c.codec.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}
	if err := conn.WriteMessage(data); err != nil {
		c.connectionLost(conn, err)
		return ErrNotConnected
	}
	return nil
}

// Close 关闭连接并进入终态，取消正在等待的重连
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.stopRetryLocked()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(Disconnected)
	c.closed = true
	close(c.states)
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	if conn != nil {
		conn.Close()
	}
	// 读协程全部退出后才能关闭事件通道
	c.readers.Wait()
	close(c.events)
	log.Infof("预测连接已关闭")
	return nil
}

func (c *Client) startDialLocked() {
	c.setStateLocked(Connecting)
	go c.dial()
}

func (c *Client) dial() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	conn, err := c.dialer.Dial(ctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		log.Warnf("连接预测服务失败: %v", err)
		c.scheduleRetryLocked()
		return
	}

	c.conn = conn
	c.attempt = 0
	c.setStateLocked(Connected)
	log.Infof("已连接预测服务")

	c.readers.Add(1)
	go c.readLoop(conn)
}

func (c *Client) readLoop(conn Conn) {
	defer c.readers.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		ev, err := c.codec.DecodePrediction(data)
		if err != nil {
			// 协议错误只丢弃这一条，不断开连接
			log.Warnf("丢弃预测消息: %v", err)
			continue
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// connectionLost 处理传输错误，旧连接的迟到错误会被忽略
func (c *Client) connectionLost(conn Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	c.conn = nil
	conn.Close()
	if c.closed {
		return
	}
	log.Warnf("预测连接断开: %v", err)
	c.scheduleRetryLocked()
}

func (c *Client) scheduleRetryLocked() {
	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	c.retryGen++
	gen := c.retryGen

	c.setStateLocked(Backoff)
	log.Infof("%s后第%d次重连", delay, c.attempt)
	c.retry = c.afterFunc(delay, func() { c.retryFired(gen) })
}

func (c *Client) retryFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.retryGen || c.state != Backoff {
		return
	}
	c.retry = nil
	c.startDialLocked()
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	// 让已经触发但还没拿到锁的回调失效
	c.retryGen++
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	log.Debugf("连接状态 %s -> %s", c.state, s)
	c.state = s
	select {
	case c.states <- s:
	default:
	}
}
