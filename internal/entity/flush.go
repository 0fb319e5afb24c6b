package entity

import (
	"context"
	"log/slog"

	"github.com/rendis/replaykit/internal/durable"
	"github.com/rendis/replaykit/pkg/schema"
)

// flush sends the outbox in enqueue order. Lock protocol messages always go
// out. When writeback failed, successful results are replaced by one shared
// failure, error results are left as they are, and signals and
// fire-and-forget starts are suppressed.
func (b *batch) flush() (sent, suppressed int) {
	var failure *schema.ResponseMessage
	if b.writebackErr != nil {
		failure = schema.FailureResponse(b.writebackErr)
	}

	for _, m := range b.outbox.Drain() {
		switch m.Kind {
		case durable.KindLock:
		case durable.KindResult:
			if failure != nil && !m.Response.IsException {
				m.Response = failure
			}
		case durable.KindFireAndForget:
			if failure != nil {
				suppressed++
				continue
			}
			start := m.Start
			b.Defer(func(ctx context.Context) error {
				return b.p.sender.StartOrchestration(ctx, start.Name, start.InstanceID, start.Input)
			})
			sent++
			continue
		default:
			if failure != nil {
				suppressed++
				continue
			}
		}

		if err := b.send(m); err != nil {
			b.captureInternal(err)
			return sent, suppressed
		}
		sent++
	}
	if suppressed > 0 {
		b.logger.Warn("suppressed outbox messages after writeback failure", slog.Int("count", suppressed))
	}
	return sent, suppressed
}

func (b *batch) send(m *durable.OutboxMessage) error {
	payload, err := m.Payload()
	if err != nil {
		return schema.NewError(schema.ErrCodeEntityInternal, "cannot encode outbox message").WithCause(err)
	}
	if err := b.p.sender.SendEvent(b.ctx, m.Target, m.EventName, payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeEntityInternal, "send %s to %s failed", m.Kind, m.Target).
			WithTarget(b.InstanceID()).WithCause(err)
	}
	return nil
}
