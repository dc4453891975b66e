// Package transmit ships accumulated histograms to the telemetry server.
//
// A Transmitter either acknowledges a payload, after which the caller may
// forget the data it contained, or returns an error, in which case the
// caller keeps everything for the next attempt.
package transmit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mermi/metrics-controller/pkg/histogram"
)

// ErrDisabled is returned by transmitters that are not configured to send anything.
var ErrDisabled = errors.New("transmission disabled")

// Payload is the document sent to the telemetry server.
type Payload struct {
	ID         string                          `json:"id"`
	ClientID   string                          `json:"client_id"`
	CreatedAt  int64                           `json:"created_at"`
	Context    map[string]string               `json:"context"`
	Histograms map[string]*histogram.Histogram `json:"histograms"`
}

// NewPayload wraps a snapshot. The snapshot must not be modified afterwards.
func NewPayload(eventContext map[string]string, snapshot *histogram.Set) *Payload {
	return &Payload{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now().UnixMilli(),
		Context:    eventContext,
		Histograms: snapshot.Histograms,
	}
}

// Ack is the server's confirmation that a payload was received.
type Ack struct {
	PayloadID  string
	StatusCode int
}

// Transmitter sends payloads to a telemetry server.
type Transmitter interface {
	Send(ctx context.Context, p *Payload) (Ack, error)
}

// Discard never sends anything and never acknowledges, so data stays local.
type Discard struct{}

func (Discard) Send(context.Context, *Payload) (Ack, error) {
	return Ack{}, ErrDisabled
}
