package profiler

import "fmt"

// State is the transport worker's position in its connection cycle
type State int32

const (
	StateWaitingForClient State = iota
	StateHandshaking
	StateStreaming
	StateDisconnecting
	// StateStopped is entered once shutdown has finished
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWaitingForClient:
		return "waiting_for_client"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateDisconnecting:
		return "disconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
