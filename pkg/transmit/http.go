package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/gzip"

	"github.com/mermi/metrics-controller/pkg/httpclient"
	"github.com/mermi/metrics-controller/pkg/logging"
	"github.com/mermi/metrics-controller/pkg/paths"
)

// HTTPClient interface for making HTTP requests (allows mocking in tests)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransmitter POSTs gzip-compressed JSON payloads to a telemetry endpoint.
// Network errors, 429 and 5xx responses are retried a bounded number of
// times within a single Send; other responses fail immediately.
type HTTPTransmitter struct {
	logger          *logging.Logger
	client          HTTPClient
	endpoint        string
	maxTries        uint
	initialInterval time.Duration
	clientID        func() string
}

type HTTPOption func(*HTTPTransmitter)

// WithHTTPClient replaces the default client built by pkg/httpclient.
func WithHTTPClient(c HTTPClient) HTTPOption {
	return func(t *HTTPTransmitter) {
		t.client = c
	}
}

// WithMaxTries bounds the attempts made by a single Send.
func WithMaxTries(n uint) HTTPOption {
	return func(t *HTTPTransmitter) {
		t.maxTries = max(n, 1)
	}
}

// WithRetryInterval sets the first backoff delay.
func WithRetryInterval(d time.Duration) HTTPOption {
	return func(t *HTTPTransmitter) {
		t.initialInterval = d
	}
}

// WithClientIDFile sets where the anonymous client id is kept.
func WithClientIDFile(path string) HTTPOption {
	return func(t *HTTPTransmitter) {
		t.clientID = sync.OnceValue(func() string { return loadClientID(path, t.logger) })
	}
}

func WithLogger(l *logging.Logger) HTTPOption {
	return func(t *HTTPTransmitter) {
		t.logger = l
	}
}

// NewHTTPTransmitter creates a transmitter for endpoint. apiKeyHeader and
// apiKey are sent with every request when both are set.
func NewHTTPTransmitter(endpoint, apiKeyHeader, apiKey string, opts ...HTTPOption) *HTTPTransmitter {
	t := &HTTPTransmitter{
		logger:          logging.New(nil, ""),
		endpoint:        endpoint,
		maxTries:        3,
		initialInterval: 500 * time.Millisecond,
	}
	WithClientIDFile(filepath.Join(paths.GetConfigDir(), "client-id"))(t)
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = httpclient.NewHTTPClient(httpclient.WithHeader(apiKeyHeader, apiKey))
	}
	return t
}

func (t *HTTPTransmitter) Send(ctx context.Context, p *Payload) (Ack, error) {
	if t.endpoint == "" {
		return Ack{}, ErrDisabled
	}

	payload := *p
	payload.ClientID = t.clientID()

	body, err := encodePayload(&payload)
	if err != nil {
		return Ack{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialInterval

	attempt := 0
	return backoff.Retry(ctx, func() (Ack, error) {
		attempt++
		return t.post(ctx, payload.ID, body, attempt)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(t.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.logger.Debug("Retrying telemetry upload", "payload_id", payload.ID, "error", err, "next", next)
		}),
	)
}

func (t *HTTPTransmitter) post(ctx context.Context, payloadID string, body []byte, attempt int) (Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Ack{}, backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	t.logger.Debug("Sending telemetry payload",
		"payload_id", payloadID,
		"endpoint", t.endpoint,
		"attempt", attempt,
		"payload_size", units.HumanSize(float64(len(body))),
	)

	resp, err := t.client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Ack{PayloadID: payloadID, StatusCode: resp.StatusCode}, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	statusErr := fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, string(snippet))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return Ack{}, backoff.RetryAfter(secs)
		}
		return Ack{}, statusErr
	case resp.StatusCode >= 500:
		return Ack{}, statusErr
	default:
		return Ack{}, backoff.Permanent(statusErr)
	}
}

func encodePayload(p *Payload) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(p); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}
