package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the header carrying the webhook signature, in the
// form "ts=<unix>;h1=<hex hmac>". The HMAC covers "<ts>:<body>".
const SignatureHeader = "Billing-Signature"

// Webhook event types we act on. Anything else is acknowledged and ignored.
const (
	EventSubscriptionCreated   = "subscription.created"
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionUpdated   = "subscription.updated"
	EventSubscriptionCanceled  = "subscription.canceled"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp too old")
)

// maxSkew bounds how old a webhook timestamp may be before it is rejected
// as a possible replay.
const maxSkew = 5 * time.Minute

// Event is the provider's webhook envelope.
type Event struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// SubscriptionData is the payload for subscription.* events.
type SubscriptionData struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	CustomerID       string         `json:"customer_id"`
	CurrentPeriodEnd *time.Time     `json:"current_period_end"`
	Items            []ItemData     `json:"items"`
	CustomData       map[string]any `json:"custom_data"`
}

type ItemData struct {
	PriceID string `json:"price_id"`
}

// VerifySignature checks the webhook HMAC against the shared secret and
// rejects timestamps older than maxSkew.
func VerifySignature(secret []byte, header string, body []byte, now time.Time) error {
	var ts, h1 string
	for _, part := range strings.Split(header, ";") {
		switch {
		case strings.HasPrefix(part, "ts="):
			ts = strings.TrimPrefix(part, "ts=")
		case strings.HasPrefix(part, "h1="):
			h1 = strings.TrimPrefix(part, "h1=")
		}
	}
	if ts == "" || h1 == "" {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if now.Sub(time.Unix(unix, 0)) > maxSkew {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + ":"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(h1), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign produces a signature header for a body, used by tests and local
// webhook replay tooling.
func Sign(secret []byte, body []byte, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + ":"))
	mac.Write(body)
	return fmt.Sprintf("ts=%s;h1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// ParseEvent decodes a verified webhook body.
func ParseEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("parse webhook event: %w", err)
	}
	if event.EventType == "" {
		return Event{}, errors.New("webhook event missing event_type")
	}
	return event, nil
}

// Subscription decodes the event payload as subscription data.
func (e Event) Subscription() (SubscriptionData, error) {
	var sub SubscriptionData
	if err := json.Unmarshal(e.Data, &sub); err != nil {
		return SubscriptionData{}, fmt.Errorf("parse subscription data: %w", err)
	}
	if sub.ID == "" {
		return SubscriptionData{}, errors.New("subscription data missing id")
	}
	return sub, nil
}

// WorkspaceID extracts the workspace reference carried in custom_data.
func (d SubscriptionData) WorkspaceID() (string, error) {
	id, ok := d.CustomData["workspace_id"].(string)
	if !ok || id == "" {
		return "", errors.New("missing workspace_id in subscription custom_data")
	}
	return id, nil
}
