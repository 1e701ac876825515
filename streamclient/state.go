package streamclient

// State 连接状态，只能由Client内部的状态迁移修改
//
//	Disconnected -(Connect)-> Connecting -(成功)-> Connected -(失败)-> Backoff -(定时器)-> Connecting
//	Connecting/Connected/Backoff -(Close)-> Disconnected(终态)
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	}
	return "unknown"
}
