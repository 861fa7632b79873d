package websocket

import "fmt"

// State is the lifecycle state of a Channel.
type State int32

const (
	StateClosed State = iota
	StateNetworkCheck
	StateNetworkChecking
	StateNetworkCheckComplete
	StateOpening
	StateConnected
	StateResetting
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateNetworkCheck:
		return "network_check"
	case StateNetworkChecking:
		return "network_checking"
	case StateNetworkCheckComplete:
		return "network_check_complete"
	case StateOpening:
		return "opening"
	case StateConnected:
		return "connected"
	case StateResetting:
		return "resetting"
	case StateDestroying:
		return "destroying"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
