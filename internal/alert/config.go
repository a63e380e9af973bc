package alert

import (
	"fmt"
	"time"
)

// Event types a webhook can subscribe to.
const (
	TypePending      = "pending"
	TypeDeny         = "deny"
	TypeUnsettled    = "unsettled"
	TypeLedgerHalted = "ledger_halted"
)

// Config defines a webhook alert destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Validate checks the destination and event names.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("alert url is required")
	}
	switch c.Format {
	case "", "generic", "slack", "pagerduty":
	default:
		return fmt.Errorf("alert format %q: must be generic, slack or pagerduty", c.Format)
	}
	if len(c.Events) == 0 {
		return fmt.Errorf("alert %s: at least one event is required", c.URL)
	}
	for _, e := range c.Events {
		switch e {
		case TypePending, TypeDeny, TypeUnsettled, TypeLedgerHalted:
		default:
			return fmt.Errorf("alert %s: unknown event %q", c.URL, e)
		}
	}
	return nil
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp      time.Time  `json:"timestamp"`
	Type           string     `json:"type"`
	Issuer         string     `json:"issuer,omitempty"`
	SchemaType     string     `json:"schema_type,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Danger         int        `json:"danger_score"`
	ConfirmationID string     `json:"confirmation_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ReceiptID      uint64     `json:"receipt_id,omitempty"`
	LockID         string     `json:"lock_id,omitempty"`
	Message        string     `json:"message,omitempty"`
}
