package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for every message the ledger publishes.
//
// Topic naming:
//
//	equishare.ledger.<aggregate>.<action>
//
// Event types carry a version suffix ("trade.executed.v1"). Payloads are
// versioned with the type; consumers must ignore unknown fields.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Source        string            `json:"source"`
	Payload       any               `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func NewEvent(eventType, source string, payload any) *Event {
	return &Event{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Source:     source,
		Payload:    payload,
		Metadata:   make(map[string]string),
	}
}

func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// =============================================================================
// Topic Registry
// =============================================================================
// Published by: ledger-service. All messages are keyed by user id, or by
// corporate action id for pipeline-level events, so per-key ordering holds.
// =============================================================================

const (
	// Payload: TradeExecutedPayload
	TopicTradeExecuted = "equishare.ledger.trades.executed"

	// Payload: WalletTransactionPayload. Dividend credits appear here too.
	TopicWalletTransaction = "equishare.ledger.wallet.transactions"

	// Payload: CorporateActionIngestedPayload
	TopicCorporateActionIngested = "equishare.ledger.corporate_actions.ingested"

	// Payload: DividendSnapshottedPayload
	TopicDividendSnapshotted = "equishare.ledger.dividends.snapshotted"

	// Payload: DividendPaidPayload
	TopicDividendPaid = "equishare.ledger.dividends.paid"

	// Payload: PortfolioSnapshotPayload
	TopicPortfolioSnapshot = "equishare.ledger.portfolio.snapshots"
)

var AllTopics = []string{
	TopicTradeExecuted,
	TopicWalletTransaction,
	TopicCorporateActionIngested,
	TopicDividendSnapshotted,
	TopicDividendPaid,
	TopicPortfolioSnapshot,
}

const (
	EventTypeTradeExecuted           = "trade.executed.v1"
	EventTypeWalletTransaction       = "wallet.transaction.v1"
	EventTypeCorporateActionIngested = "corporate_action.ingested.v1"
	EventTypeDividendSnapshotted     = "dividend.snapshotted.v1"
	EventTypeDividendPaid            = "dividend.paid.v1"
	EventTypePortfolioSnapshot       = "portfolio.snapshot.v1"
)

// Publisher sends events to a topic. key selects the partition.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event *Event) error
	Close() error
}

// NoopPublisher drops every event. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, string, *Event) error { return nil }
func (NoopPublisher) Close() error                                          { return nil }
