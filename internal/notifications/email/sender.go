// Package email provides email delivery through a Resend-compatible
// HTTP API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pawnwatch/pawnwatch/internal/notifications"
)

const defaultAPIURL = "https://api.resend.com/emails"

// Compile-time check that Sender satisfies the transport contract.
var _ notifications.Mailer = (*Sender)(nil)

// Config holds email sender configuration.
type Config struct {
	Enabled     bool
	APIKey      string
	APIURL      string
	FromAddress string
	FromName    string
	// RatePerSecond throttles outbound API calls; 0 disables throttling.
	RatePerSecond float64
	Timeout       time.Duration
}

// SendError is a classified transport failure. The processor reads the
// classification to pick between retry, terminal failure, and
// suppression.
type SendError struct {
	StatusCode int
	Message    string
	Class      notifications.FailureClass
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("email provider: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("email provider: %s", e.Message)
}

// Classification returns the failure class of this error.
func (e *SendError) Classification() notifications.FailureClass {
	return e.Class
}

// Sender delivers rendered messages through the provider's HTTP API.
type Sender struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewSender creates an email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.APIKey == "" {
			return nil, errors.New("email sender: API key is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), 1)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"api_url", config.APIURL,
		"from_address", config.FromAddress,
		"rate_per_second", config.RatePerSecond,
	)

	return &Sender{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: limiter,
	}, nil
}

// Send delivers one message and returns the provider's message id.
// A disabled sender logs and reports success with an empty id; this
// keeps local environments working without provider credentials.
func (s *Sender) Send(ctx context.Context, msg notifications.Message) (string, error) {
	if !s.config.Enabled {
		slog.Warn("email sender disabled, skipping send", "to", msg.To, "subject", msg.Subject)
		return "", nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", &SendError{Message: err.Error(), Class: notifications.FailureTransient}
	}

	from := s.config.FromAddress
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.FromAddress)
	}

	payload := map[string]any{
		"from":    from,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"html":    msg.HTML,
	}
	if msg.Text != "" {
		payload["text"] = msg.Text
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &SendError{Message: err.Error(), Class: notifications.FailureTransient}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &SendError{Message: err.Error(), Class: notifications.FailureTransient}
	}

	if resp.StatusCode >= 400 {
		return "", classifyResponse(resp.StatusCode, respBody)
	}

	var success struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &success); err != nil {
		return "", fmt.Errorf("parse provider response: %w", err)
	}
	return success.ID, nil
}

// classifyResponse maps a provider error response to a failure class.
func classifyResponse(status int, body []byte) *SendError {
	var errResp struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	}
	_ = json.Unmarshal(body, &errResp)

	message := errResp.Message
	if message == "" {
		message = fmt.Sprintf("request rejected with status %d", status)
	}

	class := notifications.FailureTransient
	switch {
	case status == http.StatusTooManyRequests:
		class = notifications.FailureRateLimited
	case status >= 500, status == http.StatusRequestTimeout:
		class = notifications.FailureTransient
	case isInvalidAddress(status, errResp.Name, message):
		class = notifications.FailureInvalidAddress
	case status >= 400:
		// Other 4xx responses mean the request itself is wrong and a
		// retry with identical content cannot succeed.
		class = notifications.FailureTemplate
	}

	return &SendError{StatusCode: status, Message: message, Class: class}
}

func isInvalidAddress(status int, name, message string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnprocessableEntity {
		return false
	}
	lowered := strings.ToLower(name + " " + message)
	return strings.Contains(lowered, "invalid_to") ||
		strings.Contains(lowered, "invalid `to`") ||
		(strings.Contains(lowered, "invalid") && strings.Contains(lowered, "email"))
}
