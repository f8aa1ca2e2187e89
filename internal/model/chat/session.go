package chat

// State 描述流式连接的生命周期阶段。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is a point-in-time view of the session controller.
type Status struct {
	State   State `json:"state"`
	Muted   bool  `json:"muted"`
	Playing bool  `json:"playing"`
}

// Connected reports whether the socket is open.
func (s Status) Connected() bool {
	return s.State == StateConnected
}
