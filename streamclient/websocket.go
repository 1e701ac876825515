package streamclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WSDialer 基于gorilla/websocket的Dialer
type WSDialer struct {
	URL         string      // 例如 ws://host:8000/ws/predict
	Header      http.Header // 握手请求头，例如 Authorization
	MessageType int         // websocket.TextMessage(JSON) 或 websocket.BinaryMessage(MessagePack)
	IdleTimeout time.Duration
	Dialer      *websocket.Dialer
}

// Dial 完成一次WebSocket握手
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("握手失败(%s): %w", resp.Status, err)
		}
		return nil, err
	}

	mt := d.MessageType
	if mt == 0 {
		mt = websocket.TextMessage
	}
	c := &wsConn{ws: ws, messageType: mt, idle: d.IdleTimeout}
	c.extendDeadline()
	ws.SetPingHandler(func(appData string) error {
		c.extendDeadline()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c, nil
}

type wsConn struct {
	ws          *websocket.Conn
	messageType int
	idle        time.Duration

	// gorilla/websocket 同一时间只允许一个写者
	writeMu sync.Mutex
}

func (c *wsConn) extendDeadline() {
	if c.idle > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.idle))
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendDeadline()
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(c.messageType, data)
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
