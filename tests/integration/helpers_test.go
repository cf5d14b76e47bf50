//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pawnwatch/pawnwatch/internal/notifications"
)

// providerRequest is one email the stub provider accepted.
type providerRequest struct {
	ID      string
	From    string
	To      []string
	Subject string
	HTML    string
	Text    string
}

// providerStub emulates the Resend send endpoint: it records accepted
// messages, assigns message ids, and can be scripted to fail.
type providerStub struct {
	mu       sync.Mutex
	server   *httptest.Server
	requests []providerRequest
	nextID   int

	// respondWith overrides the success response when set.
	respondWith func(w http.ResponseWriter)
}

func newProviderStub() *providerStub {
	stub := &providerStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	return stub
}

func (p *providerStub) handle(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		HTML    string   `json:"html"`
		Text    string   `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.respondWith != nil {
		p.respondWith(w)
		return
	}
	p.nextID++
	id := fmt.Sprintf("pm_%06d", p.nextID)
	p.requests = append(p.requests, providerRequest{
		ID:      id,
		From:    payload.From,
		To:      payload.To,
		Subject: payload.Subject,
		HTML:    payload.HTML,
		Text:    payload.Text,
	})
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":%q}`, id)
}

func (p *providerStub) URL() string { return p.server.URL }

func (p *providerStub) Close() { p.server.Close() }

// Sent returns a copy of every message accepted so far.
func (p *providerStub) Sent() []providerRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerRequest(nil), p.requests...)
}

// Reset clears recorded messages and any scripted failure.
func (p *providerStub) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = nil
	p.respondWith = nil
}

// FailWith makes the next sends answer with the given status and body.
func (p *providerStub) FailWith(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respondWith = func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

// resetState clears all queue and recipient state between tests.
func resetState(t *testing.T) {
	t.Helper()
	provider.Reset()
	_, err := testDB.Exec(context.Background(),
		`TRUNCATE queue_items, batches, suppression_entries, provider_events, subscriptions, recipients`)
	require.NoError(t, err)
}

func seedRecipient(t *testing.T, id, email string, enabled bool) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`INSERT INTO recipients (id, email, notifications_enabled) VALUES ($1, $2, $3)`,
		id, email, enabled)
	require.NoError(t, err)
}

func seedSubscription(t *testing.T, recipientID, playerKey string, active bool) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`INSERT INTO subscriptions (recipient_id, player_key, is_active) VALUES ($1, $2, $3)`,
		recipientID, playerKey, active)
	require.NoError(t, err)
}

// apiResponse is the {"data": ...} envelope the API wraps payloads in.
type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func doJSON(t *testing.T, method, path string, body any) (*http.Response, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, testServer.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var envelope apiResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &envelope), "body: %s", raw)
	}
	return resp, envelope
}

func decodeData[T any](t *testing.T, envelope apiResponse) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(envelope.Data, &out))
	return out
}

func enqueueRequest(recipientID, address, playerKey string) map[string]any {
	return map[string]any{
		"recipient_id":      recipientID,
		"recipient_address": address,
		"player_key":        playerKey,
		"template_kind":     "game_start",
		"template_data":     map[string]any{"username": playerKey},
		"priority":          2,
	}
}

// postProviderEvent signs and delivers a webhook event the way the
// provider would.
func postProviderEvent(t *testing.T, eventID string, event notifications.ProviderEvent) *http.Response {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(testSigningSecret, "whsec_"))
	require.NoError(t, err)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", eventID, timestamp)
	mac.Write(body)
	signature := "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, testServer.URL+"/webhooks/email", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("webhook-id", eventID)
	req.Header.Set("webhook-timestamp", timestamp)
	req.Header.Set("webhook-signature", signature)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// processQueue drives one scheduler pass synchronously.
func processQueue(t *testing.T) {
	t.Helper()
	testApp.Worker().RunOnce(context.Background())
}
