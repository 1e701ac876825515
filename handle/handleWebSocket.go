package handle

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"signglove/config"
	"signglove/log"
	ws "signglove/websocket"

	"github.com/gorilla/websocket"
)

// upgrader 用于将HTTP连接升级为WebSocket连接
var upgrader = websocket.Upgrader{
	// 设备端没有Origin，允许所有来源
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticate 检查请求携带的令牌
// 参数:
//   - r: HTTP请求，令牌来自 Authorization: Bearer 请求头或 token 查询参数
//   - cfg: 服务器配置
//
// 返回:
//   - string: 令牌对应的设备名
//   - bool: 是否通过认证，未启用认证时总是true
func Authenticate(r *http.Request, cfg *config.Config) (string, bool) {
	if !cfg.WebSocket.Auth.Enabled {
		return "", true
	}

	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	for _, valid := range cfg.WebSocket.Auth.Tokens {
		if subtle.ConstantTimeCompare([]byte(valid.Token), []byte(token)) == 1 {
			return valid.Name, true
		}
	}
	return "", false
}

// HandleWebSocket 将HTTP连接升级为WebSocket并创建新的WebSocketConnection
// 参数:
//   - w: HTTP响应写入器
//   - r: HTTP请求
//   - cfg: 服务器配置
//   - predictor: 预测路由
//   - registry: 连接登记
func HandleWebSocket(w http.ResponseWriter, r *http.Request, cfg *config.Config, predictor ws.Predictor, registry *ws.Registry) {
	name, ok := Authenticate(r, cfg)
	if !ok {
		log.Warnf("连接认证失败: %s", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if name != "" {
		log.Infof("设备已认证: %s", name)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("升级连接失败: %v", err)
		return
	}

	log.Infof("新的WebSocket连接来自 %s", r.RemoteAddr)

	wsConn := ws.NewWebSocketConnection(conn, r, cfg, predictor, registry, name)
	go wsConn.HandleConnection()
}
