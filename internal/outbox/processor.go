package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// DefaultMaxAttempts is how many sends a message gets before it is failed.
const DefaultMaxAttempts = 5

// DrainStats counts what one Drain did.
type DrainStats struct {
	Sent     int `json:"sent"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
}

// Processor moves queued messages to a Sender.
type Processor struct {
	queue       Queue
	sender      Sender
	maxAttempts int
	logger      log.Logger
	now         func() time.Time
}

// NewProcessor creates a Processor. maxAttempts <= 0 selects DefaultMaxAttempts.
func NewProcessor(queue Queue, sender Sender, maxAttempts int, logger log.Logger) *Processor {
	if queue == nil {
		panic(xerrors.New("outbox queue is required"))
	}
	if sender == nil {
		panic(xerrors.New("outbox sender is required"))
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Processor{
		queue:       queue,
		sender:      sender,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Drain sends up to limit pending messages. Send failures are recorded on the
// message and do not stop the batch; only queue errors are returned.
func (p *Processor) Drain(ctx context.Context, limit int) (DrainStats, error) {
	var stats DrainStats

	msgs, err := p.queue.Pending(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("list pending messages: %w", err)
	}

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		L := p.logger.With("message_id", m.ID, "role", string(m.Role), "org_id", m.OrgID)

		sendErr := p.sender.Send(ctx, m)
		if sendErr == nil {
			if err := p.queue.MarkSent(ctx, m.ID, p.now()); err != nil {
				return stats, fmt.Errorf("mark message %s sent: %w", m.ID, err)
			}
			stats.Sent++
			continue
		}

		final := m.Attempts+1 >= p.maxAttempts
		if err := p.queue.MarkFailed(ctx, m.ID, sendErr.Error(), final); err != nil {
			return stats, fmt.Errorf("mark message %s failed: %w", m.ID, err)
		}
		if final {
			stats.Failed++
			L.Error(ctx, sendErr, "message delivery failed permanently", "attempts", m.Attempts+1)
		} else {
			stats.Retrying++
			L.Warn(ctx, "message delivery failed, will retry", "attempts", m.Attempts+1, "error", sendErr.Error())
		}
	}
	return stats, nil
}

// Loop drains up to batch messages every interval until ctx is done.
func (p *Processor) Loop(ctx context.Context, interval time.Duration, batch int) {
	p.logger.Info(ctx, "outbox loop started", "interval", interval.String(), "batch", batch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info(context.WithoutCancel(ctx), "outbox loop stopped")
			return
		case <-ticker.C:
			stats, err := p.Drain(ctx, batch)
			if err != nil && ctx.Err() == nil {
				p.logger.Error(ctx, err, "outbox drain failed")
				continue
			}
			if stats != (DrainStats{}) {
				p.logger.Info(ctx, "outbox drained",
					"sent", stats.Sent,
					"retrying", stats.Retrying,
					"failed", stats.Failed,
				)
			}
		}
	}
}
