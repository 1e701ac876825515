package codec

import (
	"fmt"

	"signglove/model"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

type msgpackCodec struct{}

// MsgPack 二进制消息编解码器，适合带宽受限的设备
var MsgPack Codec = msgpackCodec{}

func (msgpackCodec) Name() string     { return "msgpack" }
func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (msgpackCodec) EncodeFrame(f model.SensorFrame) ([]byte, error) {
	return msgpack.Marshal(fromFrame(f))
}

func (msgpackCodec) DecodeFrame(data []byte) (model.SensorFrame, error) {
	var m frameMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return model.SensorFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m.toFrame()
}

func (msgpackCodec) EncodePrediction(e model.PredictionEvent) ([]byte, error) {
	return msgpack.Marshal(fromEvent(e))
}

func (msgpackCodec) DecodePrediction(data []byte) (model.PredictionEvent, error) {
	var m predictionMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return model.PredictionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m.toEvent()
}

func (msgpackCodec) EncodeError(msg string) ([]byte, error) {
	return msgpack.Marshal(predictionMessage{Error: msg})
}
