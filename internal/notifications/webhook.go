package notifications

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Webhook header names used by the email provider.
const (
	headerWebhookID        = "webhook-id"
	headerWebhookTimestamp = "webhook-timestamp"
	headerWebhookSignature = "webhook-signature"
)

// DefaultWebhookTolerance bounds how far a webhook timestamp may drift
// from local time before the delivery is rejected as a replay.
const DefaultWebhookTolerance = 5 * time.Minute

// WebhookVerifier checks provider webhook signatures. The provider
// signs "{id}.{timestamp}.{body}" with HMAC-SHA256 and sends one or
// more space-separated "v1,<base64>" values in the signature header.
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier builds a verifier from the secret the provider
// issued. A "whsec_" prefix is stripped and the remainder is
// base64-decoded, matching the provider's signing key format.
func NewWebhookVerifier(secret string, tolerance time.Duration) (*WebhookVerifier, error) {
	raw := strings.TrimPrefix(secret, "whsec_")
	if raw == "" {
		return nil, fmt.Errorf("webhook verifier: secret is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("webhook verifier: decode secret: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &WebhookVerifier{secret: key, tolerance: tolerance, now: time.Now}, nil
}

// Verify validates the signature headers against the raw request body.
// It returns ErrStaleTimestamp when the timestamp is outside the
// tolerance window and ErrInvalidSignature when no candidate signature
// matches.
func (v *WebhookVerifier) Verify(headers http.Header, body []byte) error {
	msgID := headers.Get(headerWebhookID)
	timestamp := headers.Get(headerWebhookTimestamp)
	signatures := headers.Get(headerWebhookSignature)
	if msgID == "" || timestamp == "" || signatures == "" {
		return fmt.Errorf("%w: missing webhook headers", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	drift := v.now().Sub(time.Unix(ts, 0))
	if drift > v.tolerance || drift < -v.tolerance {
		return fmt.Errorf("%w: timestamp drift %s", ErrStaleTimestamp, drift.Truncate(time.Second))
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	mac.Write(body)
	expected := mac.Sum(nil)

	// The header may carry several versioned signatures after a key
	// rotation. Any match accepts the delivery.
	for _, candidate := range strings.Fields(signatures) {
		version, sig, found := strings.Cut(candidate, ",")
		if !found || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}
