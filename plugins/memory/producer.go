package memory

import (
	"context"
	"time"

	"github.com/miladsoleymani/chanmux/core"
)

type producer struct {
	b     *Broker
	topic string
}

// Send appends recs to the topic in order, or fails with the next injected
// fault.
func (p *producer) Send(ctx context.Context, recs []core.OutgoingRecord) ([]core.RecordMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.b.sendCalls++
	if p.b.closed {
		return nil, core.ErrClientClosed
	}
	if len(p.b.sendFaults) > 0 {
		err := p.b.sendFaults[0]
		p.b.sendFaults = p.b.sendFaults[1:]
		return nil, err
	}
	p.b.sweepLocked(time.Now())
	out := make([]core.RecordMetadata, len(recs))
	for i, rec := range recs {
		out[i] = p.b.appendLocked(p.topic, -1, rec)
	}
	return out, nil
}

func (p *producer) Close() error { return nil }
