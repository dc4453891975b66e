package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mermi/metrics-controller/pkg/histogram"
	"github.com/mermi/metrics-controller/pkg/persistence"
	"github.com/mermi/metrics-controller/pkg/transmit"
)

// fakeStore records every snapshot it is asked to write. failWrites makes
// the next N writes fail; block, when set, holds each write until closed.
type fakeStore struct {
	inner *persistence.MemoryStore

	mu         sync.Mutex
	writes     []*histogram.Set
	failWrites int
	block      chan struct{}
	writing    chan struct{}
	closed     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inner:   persistence.NewMemoryStore(),
		writing: make(chan struct{}, 64),
	}
}

var errDiskFull = errors.New("disk full")

func (s *fakeStore) Write(ctx context.Context, set *histogram.Set) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()

	select {
	case s.writing <- struct{}{}:
	default:
	}
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return errDiskFull
	}
	clone, err := set.Clone()
	if err != nil {
		return err
	}
	s.writes = append(s.writes, clone)
	return s.inner.Write(ctx, set)
}

func (s *fakeStore) Read(ctx context.Context) (*histogram.Set, error) {
	return s.inner.Read(ctx)
}

func (s *fakeStore) Clear(ctx context.Context) error {
	return s.inner.Clear(ctx)
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) setBlock(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = ch
}

func (s *fakeStore) setFailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

func (s *fakeStore) Writes() []*histogram.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*histogram.Set{}, s.writes...)
}

// fakeTransmitter acks or fails every payload; when block is set, Send waits
// for ctx to be cancelled.
type fakeTransmitter struct {
	fail  bool
	block bool

	calls    atomic.Int32
	sending  chan struct{}
	mu       sync.Mutex
	payloads []*transmit.Payload
}

func newFakeTransmitter() *fakeTransmitter {
	return &fakeTransmitter{sending: make(chan struct{}, 64)}
}

var errUnreachable = errors.New("network unreachable")

func (f *fakeTransmitter) Send(ctx context.Context, p *transmit.Payload) (transmit.Ack, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.mu.Unlock()

	select {
	case f.sending <- struct{}{}:
	default:
	}

	if f.block {
		<-ctx.Done()
		return transmit.Ack{}, ctx.Err()
	}
	if f.fail {
		return transmit.Ack{}, errUnreachable
	}
	return transmit.Ack{PayloadID: p.ID, StatusCode: 200}, nil
}

func (f *fakeTransmitter) Payloads() []*transmit.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transmit.Payload{}, f.payloads...)
}
