package model

import "time"

// SessionInfo 服务端单个WebSocket连接的状态信息
type SessionInfo struct {
	SessionId   string    `json:"session_id"`
	DeviceId    string    `json:"device_id,omitempty"`
	ClientIP    string    `json:"client_ip"`
	ConnectedAt time.Time `json:"connected_at"`

	Frames      uint64 `json:"frames"`       // 收到的有效帧
	Predictions uint64 `json:"predictions"`  // 已回复的预测
	Dropped     uint64 `json:"dropped"`      // 因限速或积压丢弃的帧
	Malformed   uint64 `json:"malformed"`    // 无法解析的消息
	Rejected    uint64 `json:"rejected"`     // 校验失败的帧
}
