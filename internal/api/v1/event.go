package v1

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a raw occurrence reported by a client. Stream rules keyed by Type
// turn one event into zero or more metric records.
type Event struct {
	// ID is the client-provided identifier, used for log correlation.
	ID string `json:"id"`

	// PrincipalID identifies the actor that generated this event.
	// Examples: "user:alice@example.com", "account:123", "apikey:prod-key-789"
	// Rules without an entity_field key records by it.
	PrincipalID string `json:"principal_id"`

	// Metadata is a generic key-value store for context (e.g., source, trace_id, region).
	Metadata map[string]string `json:"metadata,omitempty"`

	// Type is the domain-specific event name (e.g., "api.request"), matched
	// against the source_event of stream rules.
	Type string `json:"type"`

	// OccurredAt is when the event happened (client-side clock). It picks the
	// minute bucket the records land in.
	OccurredAt time.Time `json:"occurred_at"`

	// IngestedAt is set by the ingestion service, not the client.
	IngestedAt time.Time `json:"ingested_at"`

	// Data holds the fields rules aggregate.
	Data map[string]interface{} `json:"data"`
}

// Validate ensures the event has all required system attributes.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}

	if e.PrincipalID == "" {
		return fmt.Errorf("principal_id is required")
	}

	if e.Type == "" {
		return fmt.Errorf("type is required")
	}

	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}

	return nil
}

// MeterSample is an already aggregated value for one entity of a meter stream.
type MeterSample struct {
	Metric    string          `json:"metric"`
	EntityID  string          `json:"entity_id"`
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// Validate ensures the sample names its stream, entity and time.
func (s *MeterSample) Validate() error {
	if s.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	if s.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// MeterBatch is the body of a meter ingestion request.
type MeterBatch struct {
	Samples []MeterSample `json:"samples"`
}
