package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-loan-approvals/internal/metrics"
)

// Event types published on <prefix>.<event_type>.
const (
	EventApplicationSubmitted   = "application_submitted"
	EventApprovalAdvanced       = "approval_advanced"
	EventApplicationApproved    = "application_approved"
	EventApplicationRejected    = "application_rejected"
	EventReferredToCommittee    = "referred_to_committee"
	EventCommitteeVoteCast      = "committee_vote_cast"
	EventCommitteeDecisionFinal = "committee_decision_finalized"
	EventTierReconciled         = "tier_reconciled"
)

// WorkflowEvent is the JSON schema published to NATS.
type WorkflowEvent struct {
	EventType     string         `json:"event_type"`
	ApplicationID string         `json:"application_id"`
	ActorID       string         `json:"actor_id"`
	StatusBefore  string         `json:"status_before,omitempty"`
	StatusAfter   string         `json:"status_after,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// EventPublisher publishes approval workflow events to NATS for downstream
// consumers (notifications, loan management).
//
// Publishing is non-fatal: errors are logged and counted but never returned,
// so broker trouble never interrupts an approval that already committed.
type EventPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewEventPublisher creates a publisher. A nil conn yields a publisher that
// drops every event.
func NewEventPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *EventPublisher {
	return &EventPublisher{conn: conn, prefix: prefix, log: log}
}

// ConnectNATS dials the broker with reconnects enabled.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
}

// Subject returns the subject an event type is published on.
func (p *EventPublisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", p.prefix, eventType)
}

// Publish sends event. ctx is only consulted for cancellation.
func (p *EventPublisher) Publish(ctx context.Context, event *WorkflowEvent) {
	if p.conn == nil || event == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("events: failed to marshal event")
		metrics.RecordEventPublish(event.EventType, "error")
		return
	}

	subject := p.Subject(event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("application_id", event.ApplicationID).
			Msg("events: failed to publish NATS event (non-fatal)")
		metrics.RecordEventPublish(event.EventType, "error")
		return
	}

	metrics.RecordEventPublish(event.EventType, "ok")
	p.log.Debug().
		Str("subject", subject).
		Str("application_id", event.ApplicationID).
		Msg("events: event published")
}
