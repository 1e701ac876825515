package codec

import (
	"encoding/json"
	"fmt"

	"signglove/model"

	"github.com/gorilla/websocket"
)

type jsonCodec struct{}

// JSON 文本消息编解码器
var JSON Codec = jsonCodec{}

func (jsonCodec) Name() string     { return "json" }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) EncodeFrame(f model.SensorFrame) ([]byte, error) {
	return json.Marshal(fromFrame(f))
}

func (jsonCodec) DecodeFrame(data []byte) (model.SensorFrame, error) {
	var m frameMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return model.SensorFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m.toFrame()
}

func (jsonCodec) EncodePrediction(e model.PredictionEvent) ([]byte, error) {
	return json.Marshal(fromEvent(e))
}

func (jsonCodec) DecodePrediction(data []byte) (model.PredictionEvent, error) {
	var m predictionMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return model.PredictionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m.toEvent()
}

func (jsonCodec) EncodeError(msg string) ([]byte, error) {
	return json.Marshal(predictionMessage{Error: msg})
}
