// Package websocket 服务端单个预测连接的处理
package websocket

import (
	"sort"
	"sync"

	"signglove/model"
)

// Registry 记录当前所有连接
type Registry struct {
	mu    sync.RWMutex
	conns map[*WebSocketConnection]struct{}
}

// NewRegistry 创建连接登记
func NewRegistry() *Registry {
	return &Registry{conns: make(map[*WebSocketConnection]struct{})}
}

func (r *Registry) add(c *WebSocketConnection) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(c *WebSocketConnection) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Len 返回当前连接数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sessions 返回所有连接的状态，按连接时间排序
func (r *Registry) Sessions() []model.SessionInfo {
	r.mu.RLock()
	out := make([]model.SessionInfo, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// CloseAll 断开所有连接
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.conns {
		c.cancelFunc()
		c.conn.Close()
	}
}
