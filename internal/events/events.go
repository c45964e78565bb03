// Package events publishes transfer lifecycle events for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"billbridge/internal/transfer"
)

const DefaultExchange = "billbridge_events"

// TransferEvent is emitted after every transfer run.
type TransferEvent struct {
	ID        string          `json:"id"`
	BillID    string          `json:"billId"`
	Outcome   string          `json:"outcome"`
	Result    transfer.Result `json:"result"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewTransferEvent derives the outcome from the result: completed, paused,
// or failed.
func NewTransferEvent(billID string, res transfer.Result) TransferEvent {
	return TransferEvent{
		ID:        uuid.NewString(),
		BillID:    billID,
		Outcome:   outcome(res),
		Result:    res,
		Timestamp: time.Now().UTC(),
	}
}

func outcome(res transfer.Result) string {
	switch {
	case res.Success:
		return "completed"
	case res.Resumable:
		return "paused"
	default:
		return "failed"
	}
}

// RoutingKey is the topic key the event is published under.
func (e TransferEvent) RoutingKey() string {
	return "bill.transfer." + e.Outcome
}

type Publisher interface {
	PublishTransfer(ctx context.Context, ev TransferEvent) error
	Close()
}

// LogPublisher only logs. It stands in when no broker is configured or the
// broker is unreachable at startup.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Str("mode", "fallback").Logger()}
}

func (p *LogPublisher) PublishTransfer(_ context.Context, ev TransferEvent) error {
	p.logger.Info().
		Str("bill_id", ev.BillID).
		Str("routing_key", ev.RoutingKey()).
		Str("event_id", ev.ID).
		Msg("publish skipped")
	return nil
}

func (p *LogPublisher) Close() {}
