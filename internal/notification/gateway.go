package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
)

// GatewayConfig holds the endpoint and credentials of one outbound
// provider.
type GatewayConfig struct {
	// BaseURL of the provider API.
	BaseURL string

	// APIKey sent as a bearer token. Logged only in masked form.
	APIKey string

	// Timeout for HTTP requests. The per-channel deadlines applied by
	// the senders are usually tighter.
	Timeout time.Duration
}

// httpGateway is the shared transport for the three provider clients:
// a JSON POST with bearer auth behind a circuit breaker, with provider
// status codes classified into the retryable/permanent error taxonomy.
type httpGateway struct {
	name         string
	baseURL      string
	apiKey       string
	maskedAPIKey string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker
}

func newHTTPGateway(name string, config GatewayConfig) *httpGateway {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	// Masked key for safe logging (first 5 chars + "***").
	masked := "***"
	if len(config.APIKey) > 5 {
		masked = config.APIKey[:5] + "***"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &httpGateway{
		name:         name,
		baseURL:      config.BaseURL,
		apiKey:       config.APIKey,
		maskedAPIKey: masked,
		httpClient:   &http.Client{Timeout: timeout},
		breaker:      breaker,
	}
}

// post submits one JSON payload. An open breaker reports overload as a
// rate-limit error so queue consumers back off instead of hammering a
// failing provider.
func (g *httpGateway) post(ctx context.Context, path string, payload interface{}) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.doPost(ctx, path, payload)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.NewRateLimitError(0, "circuit-breaker").
			WithMetadata("gateway", g.name)
	}
	return err
}

func (g *httpGateway) doPost(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewPermanentError("encode payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperrors.NewPermanentError(
			fmt.Sprintf("build request for %s (key %s)", g.name, g.maskedAPIKey), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return apperrors.NewTransientError(g.name+" request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain so the connection can be reused; bodies are small.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return g.classify(resp.StatusCode, respBody)
}

// classify maps provider status codes onto the error taxonomy: 2xx ok,
// 429 overload, other 4xx permanent, 5xx transient.
func (g *httpGateway) classify(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return apperrors.NewRateLimitError(0, "provider").
			WithMetadata("gateway", g.name).
			WithDetails(string(body))
	case status >= 400 && status < 500:
		return apperrors.NewPermanentError(g.name,
			fmt.Errorf("provider rejected request: status %d: %s", status, body))
	default:
		return apperrors.NewTransientError(g.name,
			fmt.Errorf("provider error: status %d: %s", status, body))
	}
}

// HTTPMailGateway submits mail to the outbound mail provider.
type HTTPMailGateway struct {
	gw *httpGateway
}

// NewHTTPMailGateway creates the mail provider client.
func NewHTTPMailGateway(config GatewayConfig) *HTTPMailGateway {
	return &HTTPMailGateway{gw: newHTTPGateway("mail", config)}
}

// Send implements interfaces.MailGateway.
func (g *HTTPMailGateway) Send(ctx context.Context, msg interfaces.MailMessage) error {
	return g.gw.post(ctx, "/v1/messages", msg)
}

// HTTPPushGateway submits push notifications to the mobile push
// service.
type HTTPPushGateway struct {
	gw *httpGateway
}

// NewHTTPPushGateway creates the push gateway client.
func NewHTTPPushGateway(config GatewayConfig) *HTTPPushGateway {
	return &HTTPPushGateway{gw: newHTTPGateway("push", config)}
}

// Send implements interfaces.PushGateway.
func (g *HTTPPushGateway) Send(ctx context.Context, msg interfaces.PushMessage) error {
	return g.gw.post(ctx, "/v1/push", msg)
}

// HTTPSMSGateway submits text messages to the SMS provider.
type HTTPSMSGateway struct {
	gw *httpGateway
}

// NewHTTPSMSGateway creates the text gateway client.
func NewHTTPSMSGateway(config GatewayConfig) *HTTPSMSGateway {
	return &HTTPSMSGateway{gw: newHTTPGateway("sms", config)}
}

// Send implements interfaces.SMSGateway.
func (g *HTTPSMSGateway) Send(ctx context.Context, msg interfaces.SMSMessage) error {
	return g.gw.post(ctx, "/v1/sms", msg)
}
