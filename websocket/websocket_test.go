package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"signglove/codec"
	"signglove/config"
	"signglove/model"
	"signglove/predict"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoPredictor 用第一个通道的值作为标签
type echoPredictor struct {
	arity int

	mu     sync.Mutex
	frames []model.SensorFrame
}

func (p *echoPredictor) Predict(ctx context.Context, f model.SensorFrame) (model.PredictionEvent, error) {
	if p.arity > 0 && f.Arity() != p.arity {
		return model.PredictionEvent{}, fmt.Errorf("%w: expected %d channels, got %d", predict.ErrInvalidFrame, p.arity, f.Arity())
	}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return model.PredictionEvent{
		Label:         fmt.Sprintf("L%d", int(f.Channels()[0])),
		Confidence:    0.9,
		Timestamp:     f.Timestamp(),
		CorrelationID: f.ID(),
	}, nil
}

func (p *echoPredictor) seen() []model.SensorFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.SensorFrame(nil), p.frames...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.WebSocket.RateLimit = 1000
	cfg.WebSocket.PingInterval = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, p Predictor, reg *Registry) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go NewWebSocketConnection(conn, r, cfg, p, reg, "").HandleConnection()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func frameJSON(first float64, arity int, id string) []byte {
	ch := make([]string, arity)
	for i := range ch {
		ch[i] = "0"
	}
	ch[0] = fmt.Sprint(first)
	return []byte(fmt.Sprintf(`{"channels":[%s],"timestamp":%v,"id":%q}`, strings.Join(ch, ","), first, id))
}

func TestPredictionsArriveInOrder(t *testing.T) {
	p := &echoPredictor{arity: 11}
	conn := dial(t, startServer(t, testConfig(), p, nil), nil)

	for i := 1; i <= 5; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSON(float64(i), 11, fmt.Sprint(i))))
	}
	for i := 1; i <= 5; i++ {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		ev, err := codec.JSON.DecodePrediction(data)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("L%d", i), ev.Label)
		assert.Equal(t, fmt.Sprint(i), ev.CorrelationID)
	}
}

func TestInvalidArityGetsErrorReply(t *testing.T) {
	p := &echoPredictor{arity: 11}
	conn := dial(t, startServer(t, testConfig(), p, nil), nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSON(1, 5, "")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	_, err = codec.JSON.DecodePrediction(data)
	assert.ErrorIs(t, err, codec.ErrServerReported)
	assert.Contains(t, string(data), "expected 11 channels")
}

func TestMalformedIsSkipped(t *testing.T) {
	p := &echoPredictor{arity: 11}
	reg := NewRegistry()
	conn := dial(t, startServer(t, testConfig(), p, reg), nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"channels":`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSON(7, 11, "")))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := codec.JSON.DecodePrediction(data)
	require.NoError(t, err)
	assert.Equal(t, "L7", ev.Label)

	require.Eventually(t, func() bool {
		s := reg.Sessions()
		return len(s) == 1 && s[0].Malformed == 1 && s[0].Predictions == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBinaryFramesGetMsgPackReplies(t *testing.T) {
	p := &echoPredictor{arity: 3}
	conn := dial(t, startServer(t, testConfig(), p, nil), nil)

	data, err := codec.MsgPack.EncodeFrame(model.NewSensorFrame([]float64{4, 0, 0}, 1, "", "m1"))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))

	mt, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	ev, err := codec.MsgPack.DecodePrediction(reply)
	require.NoError(t, err)
	assert.Equal(t, "L4", ev.Label)
	assert.Equal(t, "m1", ev.CorrelationID)
}

func TestDeviceHeaderIsAttached(t *testing.T) {
	p := &echoPredictor{arity: 11}
	conn := dial(t, startServer(t, testConfig(), p, nil), http.Header{"device-id": []string{"glove-9"}})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSON(1, 11, "")))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	frames := p.seen()
	require.Len(t, frames, 1)
	assert.Equal(t, "glove-9", frames[0].DeviceID())
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.RateLimit = 2
	p := &echoPredictor{arity: 11}
	reg := NewRegistry()
	conn := dial(t, startServer(t, cfg, p, reg), nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSON(float64(i), 11, "")))
	}
	require.Eventually(t, func() bool {
		s := reg.Sessions()
		return len(s) == 1 && s[0].Frames+s[0].Dropped == 10
	}, time.Second, 5*time.Millisecond)

	s := reg.Sessions()[0]
	assert.GreaterOrEqual(t, s.Dropped, uint64(7))
}

func TestRegistryTracksLifecycle(t *testing.T) {
	reg := NewRegistry()
	url := startServer(t, testConfig(), &echoPredictor{}, reg)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueFrameDropsOldest(t *testing.T) {
	wsc := &WebSocketConnection{frameChan: make(chan inboundFrame, 2)}
	for i := 0; i < 4; i++ {
		wsc.enqueueFrame(inboundFrame{frame: model.NewSensorFrame([]float64{float64(i)}, 0, "", ""), codec: codec.JSON})
	}
	assert.Equal(t, uint64(2), wsc.dropped.Load())
	assert.Equal(t, []float64{2}, (<-wsc.frameChan).frame.Channels())
	assert.Equal(t, []float64{3}, (<-wsc.frameChan).frame.Channels())
}
