// Package inference implements the Classifier and Generator collaborators
// (§4.3): typed HTTP clients around the external species-ID and art
// generation services. Both share resilientClient, which layers a circuit
// breaker, retry-with-jitter, a deadline budget, and OpenTelemetry tracing
// over net/http — grounded on the teacher's webhook dispatcher retry loop
// (internal/webhooks/dispatcher.go), generalized from fire-and-forget
// delivery into a request/response round trip the pipeline awaits.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fieldnote/coordinator/internal/circuitbreaker"
)

// Outcome classifies why a call failed, so the pipeline can pick the right
// domain.Reason without string-matching errors.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeUnavailable // breaker open, or transport/connection error
	OutcomeBadUpstream // upstream responded but with an error status/shape
)

// CallError wraps an inference failure with its Outcome.
type CallError struct {
	Outcome Outcome
	Err     error
}

func (e *CallError) Error() string { return fmt.Sprintf("inference: %s: %v", e.outcomeName(), e.Err) }
func (e *CallError) Unwrap() error { return e.Err }

func (e *CallError) outcomeName() string {
	switch e.Outcome {
	case OutcomeTimeout:
		return "timeout"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeBadUpstream:
		return "bad_upstream"
	default:
		return "success"
	}
}

// ClientConfig configures a resilientClient.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Breaker    *circuitbreaker.CircuitBreaker
}

// resilientClient performs one request/response round trip (JSON via
// doJSON, multipart via doMultipart) with retry, breaker, and per-attempt
// timeout applied uniformly, shared by both Classifier and Generator.
type resilientClient struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func newResilientClient(cfg ClientConfig) *resilientClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &resilientClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// doJSON posts body to path and decodes the response into out. idempotencyKey
// is sent as a header so a retried or duplicated call is safe for the
// upstream service to dedup on its side too.
func (c *resilientClient) doJSON(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &CallError{Outcome: OutcomeBadUpstream, Err: fmt.Errorf("marshal request: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return &CallError{Outcome: OutcomeTimeout, Err: err}
			}
		}

		_, err := circuitbreaker.Execute(c.cfg.Breaker, func() (struct{}, error) {
			return struct{}{}, c.attempt(ctx, path, idempotencyKey, payload, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return &CallError{Outcome: OutcomeUnavailable, Err: err}
		}
		if !isRetryable(err) {
			return classify(err)
		}
	}
	return classify(lastErr)
}

func (c *resilientClient) attempt(ctx context.Context, path, idempotencyKey string, payload []byte, out any) error {
	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req, idempotencyKey)
	return c.roundTrip(ctx, req, out)
}

// doMultipart posts a multipart/form-data request — used by the Classifier
// to ship a clip's raw audio bytes to the species-ID service, rather than a
// JSON body carrying only a URL. Same retry/breaker/deadline handling as
// doJSON, sharing the round-trip and response interpretation.
func (c *resilientClient) doMultipart(ctx context.Context, path, idempotencyKey string, fields map[string]string, fileField, fileName, fileContentType string, fileBytes []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return &CallError{Outcome: OutcomeTimeout, Err: err}
			}
		}

		_, err := circuitbreaker.Execute(c.cfg.Breaker, func() (struct{}, error) {
			return struct{}{}, c.attemptMultipart(ctx, path, idempotencyKey, fields, fileField, fileName, fileContentType, fileBytes, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return &CallError{Outcome: OutcomeUnavailable, Err: err}
		}
		if !isRetryable(err) {
			return classify(err)
		}
	}
	return classify(lastErr)
}

func (c *resilientClient) attemptMultipart(ctx context.Context, path, idempotencyKey string, fields map[string]string, fileField, fileName, fileContentType string, fileBytes []byte, out any) error {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := mw.CreatePart(fileHeader(fileField, fileName, fileContentType))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(fileBytes); err != nil {
		return fmt.Errorf("write file bytes: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setCommonHeaders(req, idempotencyKey)
	return c.roundTrip(ctx, req, out)
}

func fileHeader(fieldName, fileName, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fieldName, fileName))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

func (c *resilientClient) setCommonHeaders(req *http.Request, idempotencyKey string) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

func (c *resilientClient) roundTrip(ctx context.Context, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w", context.DeadlineExceeded)
		}
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &transientError{err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// transientError marks a failure the retry loop should retry (network
// errors, 5xx) as distinct from a permanent 4xx the caller should not.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var t *transientError
	return errors.As(err, &t) || errors.Is(err, context.DeadlineExceeded)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Outcome: OutcomeTimeout, Err: err}
	}
	var t *transientError
	if errors.As(err, &t) {
		return &CallError{Outcome: OutcomeUnavailable, Err: err}
	}
	return &CallError{Outcome: OutcomeBadUpstream, Err: err}
}

// sleepBackoff waits an exponentially growing, fully-jittered delay before
// a retry — "full jitter" per the standard backoff-with-jitter algorithm:
// a uniform random wait in [0, min(cap, base*2^attempt)).
func sleepBackoff(ctx context.Context, attempt int) error {
	const base = 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	backoff := base << uint(attempt)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	wait := time.Duration(rand.Int63n(int64(backoff)))

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
