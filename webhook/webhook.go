// Package webhook delivers bus events to registered HTTP endpoints with
// signing, retries and per-endpoint circuit breaking.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderSignature = "X-Webhook-Signature"
)

var (
	ErrNotFound        = errors.New("webhook not found")
	ErrInvalidEndpoint = errors.New("invalid webhook endpoint")
)

// Endpoint is a registered webhook target.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Topics    []string  `json:"topics"`
	Secret    string    `json:"-"`
	Signed    bool      `json:"signed"`
	CreatedAt time.Time `json:"created_at"`
}

// Status is the final state of a delivery.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed_delivery"
)

// Attempt records one POST. Delay is the wait before the next attempt.
type Attempt struct {
	At         time.Time     `json:"at"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
}

// Delivery is the history of one event sent to one endpoint.
type Delivery struct {
	ID            string    `json:"id"`
	EndpointID    string    `json:"endpoint_id"`
	EventSequence uint64    `json:"event_sequence"`
	Topic         string    `json:"topic"`
	Status        Status    `json:"status"`
	Attempts      []Attempt `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sign returns the X-Webhook-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is a valid signature of body.
// An empty secret accepts only an empty header.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return header == ""
	}
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Sign(secret, body)))
}
