package core

import (
	"fmt"
	"time"
)

// Header is a record header. Keys may repeat.
type Header struct {
	Key   string
	Value []byte
}

// Record is a consumed record. It is a value type: handlers receive copies.
type Record struct {
	// Key is nil when the record was published without a key.
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Headers   []Header
	Timestamp time.Time
}

// AckHandle returns the coordinate used to commit this record.
func (r Record) AckHandle() AckHandle {
	return AckHandle{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
}

// Header returns the first value of the named header.
func (r Record) Header(key string) (string, bool) {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// OutgoingRecord is a record handed to a ProducerClient.
type OutgoingRecord struct {
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

func (r OutgoingRecord) size() int64 {
	n := len(r.Key) + len(r.Value)
	for _, h := range r.Headers {
		n += len(h.Key) + len(h.Value)
	}
	return int64(n)
}

// RecordMetadata describes where the broker stored a published record.
// Partition and Offset are -1 when the broker client does not report them.
type RecordMetadata struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
}

// AckHandle is the coordinate of a consumed record. It does not own the
// record; committing it records that everything up to and including Offset
// on the partition has been processed.
type AckHandle struct {
	Topic     string
	Partition int
	Offset    int64
}

func (a AckHandle) String() string {
	return fmt.Sprintf("%s/%d@%d", a.Topic, a.Partition, a.Offset)
}
