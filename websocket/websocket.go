package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"signglove/codec"
	"signglove/config"
	"signglove/log"
	"signglove/model"
	"signglove/predict"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const writeWait = 5 * time.Second

// Predictor 对一帧做预测，由predict.Router实现
type Predictor interface {
	Predict(ctx context.Context, frame model.SensorFrame) (model.PredictionEvent, error)
}

// ResponseMessage 表示要发送的响应消息
type ResponseMessage struct {
	MessageType int    // WebSocket消息类型
	Data        []byte // 消息数据
}

// inboundFrame 待预测的帧，回复使用同一种编码
type inboundFrame struct {
	frame model.SensorFrame
	codec codec.Codec
}

// WebSocketConnection 表示一个WebSocket连接
//
// 读协程只负责解码和限速，预测协程按到达顺序逐帧预测，
// 写协程是唯一调用conn写方法的地方(ping除外，WriteControl可以并发调用)。
type WebSocketConnection struct {
	conn         *websocket.Conn      // WebSocket连接对象
	config       *config.Config       // 服务器配置
	predictor    Predictor            // 预测路由
	registry     *Registry            // 连接登记，用于/status
	responseChan chan ResponseMessage // 响应消息通道
	frameChan    chan inboundFrame    // 待预测帧通道，满时丢弃最旧的帧
	limiter      *rate.Limiter        // 每连接限速
	ctx          context.Context      // 上下文，用于控制goroutine生命周期
	cancelFunc   context.CancelFunc   // 取消函数，用于关闭上下文

	info        model.SessionInfo
	frames      atomic.Uint64
	predictions atomic.Uint64
	dropped     atomic.Uint64
	malformed   atomic.Uint64
	rejected    atomic.Uint64
}

// NewWebSocketConnection 创建一个新的WebSocket连接处理器
// 参数:
//   - conn: WebSocket连接对象
//   - r: 升级前的HTTP请求
//   - cfg: 服务器配置
//   - predictor: 预测路由
//   - registry: 连接登记，可以为nil
//   - deviceName: 认证得到的设备名，为空时使用device-id请求头
//
// 返回:
//   - *WebSocketConnection: 新创建的WebSocket连接处理器
func NewWebSocketConnection(conn *websocket.Conn, r *http.Request, cfg *config.Config, predictor Predictor, registry *Registry, deviceName string) *WebSocketConnection {
	ctx, cancel := context.WithCancel(context.Background())

	deviceID := r.Header.Get("device-id")
	if deviceID == "" {
		deviceID = deviceName
	}

	limit := rate.Inf
	if cfg.WebSocket.RateLimit > 0 {
		limit = rate.Limit(cfg.WebSocket.RateLimit)
	}
	burst := int(cfg.WebSocket.RateLimit)
	if burst < 1 {
		burst = 1
	}
	queue := cfg.WebSocket.FrameQueue
	if queue <= 0 {
		queue = 32
	}

	wsc := &WebSocketConnection{
		conn:         conn,
		config:       cfg,
		predictor:    predictor,
		registry:     registry,
		responseChan: make(chan ResponseMessage, queue),
		frameChan:    make(chan inboundFrame, queue),
		limiter:      rate.NewLimiter(limit, burst),
		ctx:          ctx,
		cancelFunc:   cancel,
		info: model.SessionInfo{
			SessionId:   uuid.NewString(),
			DeviceId:    deviceID,
			ClientIP:    r.RemoteAddr,
			ConnectedAt: time.Now(),
		},
	}
	log.Debugf("新连接: %+v", wsc.info)
	return wsc
}

// Info 返回连接状态的快照
func (wsc *WebSocketConnection) Info() model.SessionInfo {
	info := wsc.info
	info.Frames = wsc.frames.Load()
	info.Predictions = wsc.predictions.Load()
	info.Dropped = wsc.dropped.Load()
	info.Malformed = wsc.malformed.Load()
	info.Rejected = wsc.rejected.Load()
	return info
}

// handlePredictions 逐帧预测的协程，保证同一连接内回复顺序与帧顺序一致
func (wsc *WebSocketConnection) handlePredictions() {
	defer log.Debugf("预测协程已退出")

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case in := <-wsc.frameChan:
			ev, err := wsc.predictor.Predict(wsc.ctx, in.frame)
			if err != nil {
				if wsc.ctx.Err() != nil {
					return
				}
				if errors.Is(err, predict.ErrInvalidFrame) {
					wsc.rejected.Add(1)
					log.Debugf("拒绝帧: %v", err)
				} else {
					log.Warnf("预测失败: %v", err)
				}
				wsc.sendError(in.codec, err.Error())
				continue
			}

			data, err := in.codec.EncodePrediction(ev)
			if err != nil {
				log.Errorf("编码预测结果失败: %v", err)
				continue
			}
			wsc.predictions.Add(1)
			wsc.sendResponse(in.codec.MessageType(), data)
		}
	}
}

// handleResponses 回复响应消息的协程
// 从responseChan通道读取消息并发送到WebSocket连接
func (wsc *WebSocketConnection) handleResponses() {
	defer log.Debugf("响应处理协程已退出")

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case response := <-wsc.responseChan:
			wsc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsc.conn.WriteMessage(response.MessageType, response.Data); err != nil {
				log.Errorf("写入消息错误: %v", err)
				// 发生错误时取消上下文，触发连接关闭
				wsc.cancelFunc()
				wsc.conn.Close()
				return
			}
		}
	}
}

// keepAlive 定时发送ping，收到pong时在读循环里延长读超时
func (wsc *WebSocketConnection) keepAlive() {
	interval := wsc.config.WebSocket.PingInterval.D()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case <-ticker.C:
			if err := wsc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debugf("发送ping失败: %v", err)
				wsc.cancelFunc()
				wsc.conn.Close()
				return
			}
		}
	}
}

// sendResponse 发送响应消息
func (wsc *WebSocketConnection) sendResponse(messageType int, data []byte) {
	select {
	case <-wsc.ctx.Done():
	case wsc.responseChan <- ResponseMessage{MessageType: messageType, Data: data}:
	}
}

func (wsc *WebSocketConnection) sendError(c codec.Codec, msg string) {
	data, err := c.EncodeError(msg)
	if err != nil {
		log.Errorf("编码错误消息失败: %v", err)
		return
	}
	wsc.sendResponse(c.MessageType(), data)
}

// enqueueFrame 放入待预测队列，队列满时丢弃最旧的一帧
func (wsc *WebSocketConnection) enqueueFrame(in inboundFrame) {
	for {
		select {
		case wsc.frameChan <- in:
			return
		default:
		}
		select {
		case <-wsc.frameChan:
			wsc.dropped.Add(1)
		default:
		}
	}
}

// processMessage 根据消息类型处理WebSocket消息
// 参数:
//   - messageType: WebSocket消息类型，文本为JSON，二进制为MessagePack
//   - data: 消息数据
func (wsc *WebSocketConnection) processMessage(messageType int, data []byte) {
	c, ok := codec.ForMessageType(messageType)
	if !ok {
		log.Debugf("忽略类型为%d的消息", messageType)
		return
	}

	frame, err := c.DecodeFrame(data)
	if err != nil {
		// 格式错误只记日志，校验错误由预测协程回复
		wsc.malformed.Add(1)
		log.Warnf("无法解析的消息(%s): %v", c.Name(), err)
		return
	}
	if frame.DeviceID() == "" && wsc.info.DeviceId != "" {
		frame = model.NewSensorFrame(frame.Channels(), frame.Timestamp(), wsc.info.DeviceId, frame.ID())
	}

	if !wsc.limiter.Allow() {
		wsc.dropped.Add(1)
		return
	}
	wsc.frames.Add(1)
	wsc.enqueueFrame(inboundFrame{frame: frame, codec: c})
}

// HandleConnection 处理WebSocket连接的主循环
func (wsc *WebSocketConnection) HandleConnection() {
	if wsc.registry != nil {
		wsc.registry.add(wsc)
	}
	defer func() {
		wsc.cancelFunc()
		wsc.conn.Close()
		if wsc.registry != nil {
			wsc.registry.remove(wsc)
		}
		info := wsc.Info()
		log.Infof("WebSocket连接已关闭: %s 帧 %d 预测 %d 丢弃 %d 无效 %d",
			info.SessionId, info.Frames, info.Predictions, info.Dropped, info.Malformed+info.Rejected)
	}()

	readTimeout := wsc.config.WebSocket.ReadTimeout.D()
	extend := func() {
		if readTimeout > 0 {
			wsc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
	}
	extend()
	wsc.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	go wsc.handleResponses()
	go wsc.handlePredictions()
	go wsc.keepAlive()

	log.Debugf("WebSocket连接已建立: %s", wsc.info.SessionId)

	for {
		messageType, message, err := wsc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && wsc.ctx.Err() == nil {
				log.Warnf("读取消息错误: %v", err)
			}
			return
		}
		extend()
		wsc.processMessage(messageType, message)
	}
}
