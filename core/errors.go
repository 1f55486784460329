package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/miladsoleymani/chanmux/config"
)

var (
	// ErrClientClosed is returned when operations are attempted on a closed client.
	ErrClientClosed = errors.New("chanmux: client is closed")

	// ErrAlreadyStarted is returned when Start is called on a running runtime.
	ErrAlreadyStarted = errors.New("chanmux: runtime already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("chanmux: runtime not started")

	// ErrNoClient is returned when a runtime or producer is created without a client.
	ErrNoClient = errors.New("chanmux: broker client is nil")

	// ErrUnknownChannel is returned when publishing to a channel that was never bound.
	ErrUnknownChannel = errors.New("chanmux: unknown channel")

	// ErrStopped is returned to work that is still pending once shutdown forced it out.
	ErrStopped = errors.New("chanmux: stopped")

	// ErrTransient marks broker errors that may succeed when retried.
	ErrTransient = errors.New("chanmux: transient broker error")
)

// ConfigError is a missing or invalid descriptor field. It is fatal at startup.
type ConfigError = config.Error

// PublishError is returned by a publish whose retries are exhausted or whose
// failure is not retriable.
type PublishError struct {
	Channel  ChannelName
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("chanmux: publish to %q failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// BufferExhaustedError is returned when a record does not fit in the
// channel's remaining producer buffer.
type BufferExhaustedError struct {
	Channel   ChannelName
	Requested int64
	Capacity  int64
}

func (e *BufferExhaustedError) Error() string {
	return fmt.Sprintf("chanmux: producer buffer for channel %q exhausted: need %d of %d bytes",
		e.Channel, e.Requested, e.Capacity)
}

// DecodeError reports a payload that does not match the channel codec.
// It is never retried.
type DecodeError struct {
	Codec     CodecKind
	Topic     string
	Partition int
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("chanmux: decode %s payload: %v", e.Codec, e.Err)
	}
	return fmt.Sprintf("chanmux: decode %s payload at %s/%d@%d: %v",
		e.Codec, e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CommitError reports an offset commit rejected by the broker, usually
// because the partition was revoked by a rebalance. The offset is
// redelivered on the next poll of the partition owner.
type CommitError struct {
	Ack AckHandle
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("chanmux: commit %s: %v", e.Ack, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// RebalanceEviction reports that the group coordinator evicted a consumer
// because it did not poll, commit or heartbeat within the max poll interval.
// It forces the pipeline back to Idle and a rejoin.
type RebalanceEviction struct {
	GroupID string
	Topic   string
	Idle    time.Duration
}

func (e *RebalanceEviction) Error() string {
	return fmt.Sprintf("chanmux: consumer of %q in group %q evicted after %s without poll", e.Topic, e.GroupID, e.Idle)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) {
		return timeout.Timeout()
	}
	return false
}

// IsEviction reports whether err carries a *RebalanceEviction.
func IsEviction(err error) bool {
	var ev *RebalanceEviction
	return errors.As(err, &ev)
}
