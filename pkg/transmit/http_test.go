package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mermi/metrics-controller/pkg/histogram"
	"github.com/mermi/metrics-controller/pkg/logging"
)

// MockHTTPClient captures requests and replays a scripted list of responses.
// Once the script is exhausted the last response is repeated.
type MockHTTPClient struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    [][]byte
	responses []mockResponse
}

type mockResponse struct {
	status int
	header http.Header
	err    error
}

func NewMockHTTPClient(responses ...mockResponse) *MockHTTPClient {
	if len(responses) == 0 {
		responses = []mockResponse{{status: http.StatusOK}}
	}
	return &MockHTTPClient{responses: responses}
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	body, _ := io.ReadAll(req.Body)
	m.bodies = append(m.bodies, body)

	r := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	header := r.header
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(`{"ok":true}`))),
		Header:     header,
	}, nil
}

func (m *MockHTTPClient) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockHTTPClient) DecodedPayload(t *testing.T, i int) Payload {
	t.Helper()

	m.mu.Lock()
	body := m.bodies[i]
	m.mu.Unlock()

	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	var p Payload
	require.NoError(t, json.NewDecoder(zr).Decode(&p))
	return p
}

func testPayload() *Payload {
	set := histogram.NewSet([]float64{1, 10})
	set.Record("startup_ms", 4)
	return NewPayload(map[string]string{"app_name": "app"}, set)
}

func newTestTransmitter(t *testing.T, client HTTPClient, opts ...HTTPOption) *HTTPTransmitter {
	t.Helper()

	opts = append([]HTTPOption{
		WithHTTPClient(client),
		WithRetryInterval(time.Millisecond),
		WithClientIDFile(filepath.Join(t.TempDir(), "client-id")),
	}, opts...)
	return NewHTTPTransmitter("https://telemetry.test/v1/histograms", "x-api-key", "key", opts...)
}

func TestHTTPTransmitter_Send(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient()
	tx := newTestTransmitter(t, mock)

	p := testPayload()
	ack, err := tx.Send(t.Context(), p)
	require.NoError(t, err)
	assert.Equal(t, p.ID, ack.PayloadID)
	assert.Equal(t, http.StatusOK, ack.StatusCode)

	require.Equal(t, 1, mock.GetRequestCount())
	req := mock.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "gzip", req.Header.Get("Content-Encoding"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	sent := mock.DecodedPayload(t, 0)
	assert.Equal(t, p.ID, sent.ID)
	assert.NotEmpty(t, sent.ClientID)
	assert.Empty(t, p.ClientID, "caller's payload must not be modified")
	assert.Equal(t, "app", sent.Context["app_name"])
	assert.Equal(t, uint64(1), sent.Histograms["startup_ms"].Count)
}

func TestHTTPTransmitter_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient(
		mockResponse{status: http.StatusBadGateway},
		mockResponse{err: errors.New("connection reset")},
		mockResponse{status: http.StatusAccepted},
	)
	tx := newTestTransmitter(t, mock)

	ack, err := tx.Send(t.Context(), testPayload())
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, ack.StatusCode)
	assert.Equal(t, 3, mock.GetRequestCount())
}

func TestHTTPTransmitter_GivesUpAfterMaxTries(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient(mockResponse{status: http.StatusServiceUnavailable})
	tx := newTestTransmitter(t, mock, WithMaxTries(2))

	_, err := tx.Send(t.Context(), testPayload())
	require.ErrorContains(t, err, "status 503")
	assert.Equal(t, 2, mock.GetRequestCount())
}

func TestHTTPTransmitter_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient(mockResponse{status: http.StatusBadRequest})
	tx := newTestTransmitter(t, mock)

	_, err := tx.Send(t.Context(), testPayload())
	require.ErrorContains(t, err, "status 400")
	assert.Equal(t, 1, mock.GetRequestCount())
}

func TestHTTPTransmitter_CanceledContext(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient(mockResponse{status: http.StatusInternalServerError})
	tx := newTestTransmitter(t, mock, WithRetryInterval(time.Hour), WithMaxTries(5))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tx.Send(ctx, testPayload())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPTransmitter_NoEndpoint(t *testing.T) {
	t.Parallel()

	tx := NewHTTPTransmitter("", "", "", WithHTTPClient(NewMockHTTPClient()))
	_, err := tx.Send(t.Context(), testPayload())
	require.ErrorIs(t, err, ErrDisabled)
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	_, err := Discard{}.Send(t.Context(), testPayload())
	require.ErrorIs(t, err, ErrDisabled)
}

func TestClientID_Persisted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "client-id")

	first := loadClientID(path, logging.New(nil, ""))
	require.NotEmpty(t, first)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, string(stored))

	assert.Equal(t, first, loadClientID(path, logging.New(nil, "")))
}

func TestClientID_EmptyFileRegenerates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "client-id")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	id := loadClientID(path, logging.New(nil, ""))
	assert.NotEmpty(t, id)
	assert.Equal(t, id, loadClientID(path, logging.New(nil, "")))
}

func TestClientID_SaveFailureIsLogged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	var buf bytes.Buffer
	logger := logging.New(slog.New(slog.NewTextHandler(&buf, nil)), "[Transmit]")

	id := loadClientID(filepath.Join(blocker, "client-id"), logger)
	assert.NotEmpty(t, id)
	assert.Contains(t, buf.String(), "Failed to save client id")
}

func TestClientID_SentWithPayload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "client-id")
	require.NoError(t, os.WriteFile(path, []byte("fixed-id\n"), 0o600))

	mock := NewMockHTTPClient()
	tx := newTestTransmitter(t, mock, WithClientIDFile(path))

	_, err := tx.Send(t.Context(), testPayload())
	require.NoError(t, err)
	require.Equal(t, 1, mock.GetRequestCount())
	assert.Equal(t, "fixed-id", mock.DecodedPayload(t, 0).ClientID)
}
