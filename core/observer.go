package core

import "time"

// Observer receives runtime and producer events. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	StateChanged(ch ChannelName, pipeline int, from, to State)
	Polled(ch ChannelName, records int)
	Handled(ch ChannelName, elapsed time.Duration, err error)
	Committed(ch ChannelName, err error)
	FailureAction(ch ChannelName, stage FailureStage, action Action)
	Evicted(ch ChannelName)
	Published(ch ChannelName, records int, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StateChanged(ChannelName, int, State, State) {}
func (NopObserver) Polled(ChannelName, int) {}
func (NopObserver) Handled(ChannelName, time.Duration, error) {}
func (NopObserver) Committed(ChannelName, error) {}
func (NopObserver) FailureAction(ChannelName, FailureStage, Action) {}
func (NopObserver) Evicted(ChannelName) {}
func (NopObserver) Published(ChannelName, int, error) {}
