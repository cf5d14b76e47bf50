package notifications

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"

func signWebhook(t *testing.T, secret, msgID string, ts time.Time, body []byte) string {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(secret[len("whsec_"):])
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%d.", msgID, ts.Unix())
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func webhookHeaders(msgID string, ts time.Time, signature string) http.Header {
	h := http.Header{}
	h.Set(headerWebhookID, msgID)
	h.Set(headerWebhookTimestamp, fmt.Sprintf("%d", ts.Unix()))
	h.Set(headerWebhookSignature, signature)
	return h
}

func TestWebhookVerifier_ValidSignature(t *testing.T) {
	verifier, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)

	body := []byte(`{"type":"email.delivered"}`)
	now := time.Now()
	sig := signWebhook(t, testWebhookSecret, "msg_1", now, body)

	assert.NoError(t, verifier.Verify(webhookHeaders("msg_1", now, sig), body))
}

func TestWebhookVerifier_InvalidSignature(t *testing.T) {
	verifier, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)

	body := []byte(`{"type":"email.delivered"}`)
	now := time.Now()
	sig := signWebhook(t, testWebhookSecret, "msg_1", now, body)

	// Body altered after signing.
	err = verifier.Verify(webhookHeaders("msg_1", now, sig), []byte(`{"type":"email.bounced"}`))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Message id altered after signing.
	err = verifier.Verify(webhookHeaders("msg_2", now, sig), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookVerifier_WrongSecret(t *testing.T) {
	verifier, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)

	other := "whsec_c29tZS1vdGhlci1zaWduaW5nLWtleQ=="
	body := []byte(`{}`)
	now := time.Now()
	sig := signWebhook(t, other, "msg_1", now, body)

	err = verifier.Verify(webhookHeaders("msg_1", now, sig), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookVerifier_StaleTimestamp(t *testing.T) {
	verifier, err := NewWebhookVerifier(testWebhookSecret, time.Minute)
	require.NoError(t, err)

	body := []byte(`{}`)
	for _, ts := range []time.Time{
		time.Now().Add(-2 * time.Minute),
		time.Now().Add(2 * time.Minute),
	} {
		sig := signWebhook(t, testWebhookSecret, "msg_1", ts, body)
		err := verifier.Verify(webhookHeaders("msg_1", ts, sig), body)
		assert.ErrorIs(t, err, ErrStaleTimestamp)
	}
}

func TestWebhookVerifier_MultipleCandidates(t *testing.T) {
	verifier, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)

	body := []byte(`{"type":"email.complained"}`)
	now := time.Now()
	good := signWebhook(t, testWebhookSecret, "msg_1", now, body)

	// After a key rotation the header carries signatures from both
	// keys. One valid candidate is enough.
	stale := "v1," + base64.StdEncoding.EncodeToString([]byte("nonsense-signature-bytes"))
	combined := stale + " " + good

	assert.NoError(t, verifier.Verify(webhookHeaders("msg_1", now, combined), body))
}

func TestWebhookVerifier_IgnoresUnknownVersions(t *testing.T) {
	verifier, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)

	body := []byte(`{}`)
	now := time.Now()
	good := signWebhook(t, testWebhookSecret, "msg_1", now, body)
	v2 := "v2," + good[len("v1,"):]

	err = verifier.Verify(webhookHeaders("msg_1", now, v2), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookVerifier_MissingHeaders(t *testing.T) {
	verifier, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)

	body := []byte(`{}`)
	now := time.Now()
	sig := signWebhook(t, testWebhookSecret, "msg_1", now, body)

	full := webhookHeaders("msg_1", now, sig)
	for _, header := range []string{headerWebhookID, headerWebhookTimestamp, headerWebhookSignature} {
		h := full.Clone()
		h.Del(header)
		err := verifier.Verify(h, body)
		assert.ErrorIs(t, err, ErrInvalidSignature, "missing %s", header)
	}
}

func TestWebhookVerifier_MalformedTimestamp(t *testing.T) {
	verifier, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)

	h := http.Header{}
	h.Set(headerWebhookID, "msg_1")
	h.Set(headerWebhookTimestamp, "yesterday")
	h.Set(headerWebhookSignature, "v1,AAAA")

	assert.ErrorIs(t, verifier.Verify(h, []byte(`{}`)), ErrInvalidSignature)
}

func TestNewWebhookVerifier_BadSecret(t *testing.T) {
	for _, secret := range []string{"", "whsec_", "whsec_!!!not-base64!!!"} {
		_, err := NewWebhookVerifier(secret, 0)
		assert.Error(t, err, "secret %q", secret)
	}
}
