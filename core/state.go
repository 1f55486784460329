package core

import "fmt"

// State is the lifecycle state of one consumer pipeline.
type State int32

const (
	// StateIdle: not subscribed, or waiting to rejoin after an eviction.
	StateIdle State = iota
	StatePolling
	StateDispatching
	// StateAcked: the last batch was handled and committed in full.
	StateAcked
	// StateFailed: the last batch had a failure that stopped a lane.
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PipelineState is a snapshot of one pipeline, as reported by Runtime.States.
type PipelineState struct {
	Channel ChannelName
	Index   int
	State   State
}
