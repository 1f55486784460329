package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FailureStage tells where processing of a record failed.
type FailureStage int

const (
	StageDecode FailureStage = iota
	StageHandler
)

func (s FailureStage) String() string {
	switch s {
	case StageDecode:
		return "decode"
	case StageHandler:
		return "handler"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Action is the decision of a FailurePolicy.
type Action int

const (
	// ActionContinue leaves the record uncommitted and moves on to the next
	// record of the partition. The record is committed over by its successor.
	ActionContinue Action = iota
	// ActionRedeliver stops the partition lane and hands the record and the
	// rest of the lane to the handler again before the next poll.
	ActionRedeliver
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRedeliver:
		return "redeliver"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Failure describes one record that could not be processed.
type Failure struct {
	Channel ChannelName
	Record  Record
	Stage   FailureStage
	Err     error
	// Attempt counts deliveries of the record to this pipeline, starting at 1.
	Attempt int
}

// FailurePolicy decides what happens to a record whose decode or handler
// failed. It is called from dispatch workers and must be safe for
// concurrent use.
type FailurePolicy interface {
	OnFailure(ctx context.Context, f Failure) Action
}

// FailurePolicyFunc adapts a function to FailurePolicy.
type FailurePolicyFunc func(ctx context.Context, f Failure) Action

func (fn FailurePolicyFunc) OnFailure(ctx context.Context, f Failure) Action { return fn(ctx, f) }

// DefaultFailurePolicy redelivers a failing record three times and then
// skips it.
func DefaultFailurePolicy() FailurePolicy {
	return Redeliver(3, LogAndSkip())
}

// Redeliver redelivers a record until it has been attempted maxAttempts
// times and then hands it to fallback. Decode failures go to fallback at
// once since they never succeed on redelivery.
func Redeliver(maxAttempts int, fallback FailurePolicy) FailurePolicy {
	if fallback == nil {
		fallback = LogAndSkip()
	}
	return FailurePolicyFunc(func(ctx context.Context, f Failure) Action {
		var derr *DecodeError
		if f.Stage == StageDecode || errors.As(f.Err, &derr) {
			return fallback.OnFailure(ctx, f)
		}
		if f.Attempt < maxAttempts {
			return ActionRedeliver
		}
		return fallback.OnFailure(ctx, f)
	})
}

// LogAndSkip logs the failure and continues with the next record.
func LogAndSkip() FailurePolicy {
	return FailurePolicyFunc(func(ctx context.Context, f Failure) Action {
		slog.WarnContext(ctx, "skipping record",
			"channel", string(f.Channel),
			"ack", f.Record.AckHandle().String(),
			"stage", f.Stage.String(),
			"attempt", f.Attempt,
			"err", f.Err,
		)
		return ActionContinue
	})
}
