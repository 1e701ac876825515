// Package server 服务端的HTTP入口：预测WebSocket、健康检查和状态查询
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"signglove/autotrain"
	"signglove/config"
	"signglove/emitter"
	"signglove/handle"
	"signglove/log"
	"signglove/model"
	"signglove/store"
	"signglove/utils"
	ws "signglove/websocket"
)

const (
	defaultPredictionLimit = 100
	maxPredictionLimit     = 1000
	shutdownTimeout        = 5 * time.Second
)

// StatusSource 提供自动训练状态
type StatusSource interface {
	Snapshot() autotrain.Snapshot
}

// PredictionSource 提供最近的预测记录
type PredictionSource interface {
	RecentPredictions(ctx context.Context, limit int) ([]store.PredictionRecord, error)
}

// Option 可选组件
type Option func(*Server)

// WithStatus 在/status中包含自动训练状态
func WithStatus(s StatusSource) Option {
	return func(srv *Server) { srv.status = s }
}

// WithPredictions 启用/predictions
func WithPredictions(p PredictionSource) Option {
	return func(srv *Server) { srv.predictions = p }
}

// WithMQTT 在/status中包含MQTT发布统计
func WithMQTT(m *emitter.MQTT) Option {
	return func(srv *Server) { srv.mqtt = m }
}

// Server 服务端HTTP服务
type Server struct {
	cfg         *config.Config
	predictor   ws.Predictor
	registry    *ws.Registry
	status      StatusSource
	predictions PredictionSource
	mqtt        *emitter.MQTT
	started     time.Time
}

// StatusResponse /status 的响应
type StatusResponse struct {
	UptimeSeconds float64             `json:"uptime_seconds"`
	ChannelArity  int                 `json:"channel_arity"`
	Sessions      []model.SessionInfo `json:"sessions"`
	AutoTrain     *autotrain.Snapshot `json:"autotrain,omitempty"`
	MQTT          *emitter.Stats      `json:"mqtt,omitempty"`
}

// New 创建服务
// 参数:
//   - cfg: 服务器配置
//   - predictor: 预测路由
//   - registry: 连接登记，为nil时新建
//   - opts: 可选组件
func New(cfg *config.Config, predictor ws.Predictor, registry *ws.Registry, opts ...Option) *Server {
	if registry == nil {
		registry = ws.NewRegistry()
	}
	s := &Server{
		cfg:       cfg,
		predictor: predictor,
		registry:  registry,
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry 返回连接登记
func (s *Server) Registry() *ws.Registry { return s.registry }

// Handler 返回全部路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebSocket.Path, func(w http.ResponseWriter, r *http.Request) {
		handle.HandleWebSocket(w, r, s.cfg, s.predictor, s.registry)
	})
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/predictions", s.handlePredictions)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		UptimeSeconds: time.Since(s.started).Seconds(),
		ChannelArity:  s.cfg.ChannelArity,
		Sessions:      s.registry.Sessions(),
	}
	if s.status != nil {
		snap := s.status.Snapshot()
		resp.AutoTrain = &snap
	}
	if s.mqtt != nil {
		stats := s.mqtt.Stats()
		resp.MQTT = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePredictions GET /predictions?limit=N，按时间倒序
func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if s.predictions == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultPredictionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxPredictionLimit {
		limit = maxPredictionLimit
	}

	records, err := s.predictions.RecentPredictions(r.Context(), limit)
	if err != nil {
		log.Errorf("查询预测记录失败: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if records == nil {
		records = []store.PredictionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"predictions": records, "count": len(records)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("写入响应失败: %v", err)
	}
}

// Serve 在已有的监听器上提供服务，ctx结束时关闭所有连接并返回
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.registry.CloseAll()
		return err
	case <-ctx.Done():
	}

	log.Infof("正在关闭服务器...")
	// 已升级的WebSocket连接不归http.Server管理，需要单独断开
	s.registry.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start 启动服务器，阻塞直到ctx结束
// 参数:
//   - ctx: 结束时优雅关闭
//
// 返回:
//   - error: 如果服务器启动失败，返回错误信息
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.ListenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infof("正在启动WebSocket服务器，监听地址: %s%s (本机IP: %s)", addr, s.cfg.WebSocket.Path, utils.GetLocalIP())
	return s.Serve(ctx, ln)
}
