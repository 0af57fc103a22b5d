package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"MailQueue/internal/models"
	"MailQueue/internal/tracker"
)

// genericEvent is the provider-neutral callback shape.
type genericEvent struct {
	MessageID string          `json:"message_id"`
	Event     string          `json:"event"`
	Timestamp json.RawMessage `json:"timestamp"`
	Reason    string          `json:"reason"`
}

var genericStatuses = map[string]models.DeliveryStatus{
	"sent":      models.DeliverySent,
	"delivered": models.DeliveryDelivered,
	"opened":    models.DeliveryOpened,
	"open":      models.DeliveryOpened,
	"bounced":   models.DeliveryBounced,
	"bounce":    models.DeliveryBounced,
	"failed":    models.DeliveryFailed,
	"rejected":  models.DeliveryFailed,
	"dropped":   models.DeliveryFailed,
}

// parseGeneric accepts one event, an array of events, or {"events": [...]}.
func parseGeneric(body []byte) ([]parsedEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var raw []genericEvent
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
	case '{':
		var envelope struct {
			Events []genericEvent `json:"events"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		if envelope.Events != nil {
			raw = envelope.Events
			break
		}
		var single genericEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, err
		}
		raw = []genericEvent{single}
	default:
		return nil, errors.New("payload is not a JSON object or array")
	}

	events := make([]parsedEvent, 0, len(raw))
	for _, e := range raw {
		ts, err := parseTimestamp(e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("event %q for %q: %w", e.Event, e.MessageID, err)
		}
		name := strings.ToLower(strings.TrimSpace(e.Event))
		status, ok := genericStatuses[name]
		events = append(events, parsedEvent{
			name:      name,
			supported: ok,
			Event: tracker.Event{
				MessageID: strings.Trim(strings.TrimSpace(e.MessageID), "<>"),
				Status:    status,
				Timestamp: ts,
				Reason:    e.Reason,
			},
		})
	}
	return events, nil
}

// sendGridEvent holds the fields of a SendGrid Event Webhook entry we use.
type sendGridEvent struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	Timestamp   int64  `json:"timestamp"`
	SGMessageID string `json:"sg_message_id"`
	SMTPID      string `json:"smtp-id"`
	Reason      string `json:"reason"`
	Response    string `json:"response"`
}

var sendGridStatuses = map[string]models.DeliveryStatus{
	"processed": models.DeliverySent,
	"delivered": models.DeliveryDelivered,
	"open":      models.DeliveryOpened,
	"bounce":    models.DeliveryBounced,
	"dropped":   models.DeliveryFailed,
}

// parseSendGrid reads the JSON array SendGrid posts. The message is
// identified by the smtp-id we set when sending, falling back to the
// SendGrid message id without its filter suffix.
func parseSendGrid(body []byte) ([]parsedEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var raw []sendGridEvent
	if body[0] == '{' {
		var single sendGridEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, err
		}
		raw = []sendGridEvent{single}
	} else if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	events := make([]parsedEvent, 0, len(raw))
	for _, e := range raw {
		id := strings.Trim(strings.TrimSpace(e.SMTPID), "<>")
		if id == "" {
			id, _, _ = strings.Cut(e.SGMessageID, ".")
		}

		reason := e.Reason
		if reason == "" {
			reason = e.Response
		}

		var ts time.Time
		if e.Timestamp > 0 {
			ts = time.Unix(e.Timestamp, 0).UTC()
		}

		name := strings.ToLower(e.Event)
		status, ok := sendGridStatuses[name]
		events = append(events, parsedEvent{
			name:      name,
			supported: ok,
			Event: tracker.Event{
				MessageID: id,
				Status:    status,
				Timestamp: ts,
				Reason:    reason,
			},
		})
	}
	return events, nil
}

// parseTimestamp takes unix seconds as a number or string, or RFC 3339.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		secs, err := n.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %s: %w", n, err)
		}
		return time.Unix(secs, 0).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
