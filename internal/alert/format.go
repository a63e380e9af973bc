package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return json.Marshal(event)
	}
}

func title(event Event) string {
	switch event.Type {
	case TypePending:
		return fmt.Sprintf("hivegate: confirmation needed (%s)", event.ConfirmationID)
	case TypeUnsettled:
		return "hivegate: allowed command left unsettled"
	case TypeLedgerHalted:
		return "hivegate: receipt ledger halted"
	default:
		return fmt.Sprintf("hivegate: %s", event.Type)
	}
}

func formatSlack(event Event) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Issuer:* %s", event.Issuer)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Command:* %s", event.SchemaType)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Danger:* %d (%s)", event.Danger, dangerLabel(event.Danger))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
	}
	if event.ExpiresAt != nil {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Expires:* %s", event.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))})
	}
	blocks := []any{
		map[string]any{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": title(event)},
		},
		map[string]any{"type": "section", "fields": fields},
	}
	if event.Message != "" {
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []any{
				map[string]any{"type": "mrkdwn", "text": event.Message},
			},
		})
	}
	return json.Marshal(map[string]any{"blocks": blocks})
}

func formatPagerDuty(event Event) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  title(event),
			"severity": severity(event),
			"source":   "hivegate",
			"custom_details": map[string]any{
				"issuer":          event.Issuer,
				"schema_type":     event.SchemaType,
				"danger_score":    event.Danger,
				"reason":          event.Reason,
				"confirmation_id": event.ConfirmationID,
				"receipt_id":      event.ReceiptID,
				"lock_id":         event.LockID,
			},
		},
	}
	if event.ConfirmationID != "" {
		payload["dedup_key"] = "hivegate-" + event.ConfirmationID
	}
	return json.Marshal(payload)
}

func severity(event Event) string {
	switch {
	case event.Type == TypeLedgerHalted:
		return "critical"
	case event.Type == TypeUnsettled:
		return "error"
	case event.Danger >= 9:
		return "critical"
	case event.Danger >= 7:
		return "error"
	case event.Danger >= 4:
		return "warning"
	default:
		return "info"
	}
}

func dangerLabel(danger int) string {
	switch {
	case danger >= 9:
		return "critical"
	case danger >= 7:
		return "high"
	case danger >= 4:
		return "elevated"
	default:
		return "routine"
	}
}
