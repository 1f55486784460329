package core

import (
	"context"
	"time"
)

// Client defines the contract for broker client implementations.
// One Client is shared by every producer and consumer of a process, so
// implementations pool their broker connections.
type Client interface {
	// NewProducer returns a producer client bound to the descriptor's topic.
	NewProducer(desc ChannelDescriptor) (ProducerClient, error)

	// Subscribe joins the descriptor's consumer group for its topic. Group
	// membership may trigger a rebalance among the group's members.
	Subscribe(ctx context.Context, desc ChannelDescriptor) (ConsumerHandle, error)

	Close() error
}

// ProducerClient sends sealed batches of records to one topic.
type ProducerClient interface {
	// Send writes recs in order and returns one metadata entry per record.
	// Transient failures are reported with an error for which IsTransient
	// returns true; retrying is the caller's decision.
	Send(ctx context.Context, recs []OutgoingRecord) ([]RecordMetadata, error)

	Close() error
}

// ConsumerHandle is one member of a consumer group. A handle is not safe for
// concurrent use: polls and commits must be serialized by the caller.
type ConsumerHandle interface {
	// Poll blocks up to timeout and returns zero or more records, at most
	// MaxPollRecords. It never commits offsets. After an eviction it returns
	// a *RebalanceEviction.
	Poll(ctx context.Context, timeout time.Duration) ([]Record, error)

	// Commit synchronously records ack as processed. Rejections are
	// reported as *CommitError.
	Commit(ctx context.Context, ack AckHandle) error

	// Heartbeat extends the liveness window without polling.
	Heartbeat(ctx context.Context) error

	// Seek makes the next poll of ack's partition start at ack.Offset.
	Seek(ctx context.Context, ack AckHandle) error

	Close() error
}

// DeadLetterSink receives records rejected by the failure policy.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, topic string, rec OutgoingRecord) error
	Close() error
}
