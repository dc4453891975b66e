package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mermi/metrics-controller/pkg/histogram"
	"github.com/mermi/metrics-controller/pkg/logging"
	"github.com/mermi/metrics-controller/pkg/persistence"
	"github.com/mermi/metrics-controller/pkg/transmit"
)

// Worker lifecycle states.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

const (
	eventStart  = "start"
	eventQuit   = "quit"
	eventExit   = "exit"
	eventCancel = "cancel"
)

const (
	DefaultInterval      = time.Minute
	DefaultSendTimeout   = 10 * time.Second
	DefaultStopTimeout   = 15 * time.Second
	DefaultQuitSendGrace = 2 * time.Second
)

// ErrStopTimeout is returned when the worker goroutine does not exit in time.
// The worker is left in StateStopping and may still be running.
var ErrStopTimeout = errors.New("metrics worker did not stop in time")

const tracerName = "github.com/mermi/metrics-controller/pkg/metrics"

// WorkerConfig tunes a Worker. Zero durations select the defaults.
type WorkerConfig struct {
	// Interval between two ticks.
	Interval time.Duration
	// SendTimeout bounds a single transmission.
	SendTimeout time.Duration
	// StopTimeout bounds how long Quit waits for the goroutine to exit.
	StopTimeout time.Duration
	// QuitSendGrace is how long an in-flight transmission may continue after
	// Quit before it is cancelled. Persistence is never cancelled.
	QuitSendGrace time.Duration
	// FlushOnStop runs one last persist and send before the goroutine exits.
	FlushOnStop bool

	Logger *logging.Logger
}

func (c *WorkerConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.QuitSendGrace <= 0 {
		c.QuitSendGrace = DefaultQuitSendGrace
	}
	if c.Logger == nil {
		c.Logger = logging.New(nil, "")
	}
}

// WorkerStats counts what the tick loop has done so far.
type WorkerStats struct {
	Ticks           uint64
	PersistFailures uint64
	SendFailures    uint64
	Acks            uint64
}

// Worker periodically persists the pending histograms of a State and
// transmits them. It runs at most once: after Quit it cannot be restarted.
type Worker struct {
	state  *State
	store  persistence.Store
	tx     transmit.Transmitter
	cfg    WorkerConfig
	logger *logging.Logger
	tracer trace.Tracer

	// mu serializes Start and Quit.
	mu        sync.Mutex
	lifecycle *fsm.FSM
	quit      chan struct{}
	stopped   chan struct{}
	grace     *time.Timer

	// sendCtx is cancelled QuitSendGrace after Quit to abort a slow upload.
	sendCtx    context.Context
	cancelSend context.CancelFunc

	paused          atomic.Bool
	ticks           atomic.Uint64
	persistFailures atomic.Uint64
	sendFailures    atomic.Uint64
	acks            atomic.Uint64
}

// NewWorker binds a worker to state. Nothing runs until Start.
func NewWorker(state *State, store persistence.Store, tx transmit.Transmitter, cfg WorkerConfig) *Worker {
	cfg.setDefaults()

	sendCtx, cancelSend := context.WithCancel(context.Background())
	return &Worker{
		state:  state,
		store:  store,
		tx:     tx,
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer(tracerName),
		lifecycle: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: eventStart, Src: []string{StateIdle}, Dst: StateRunning},
				{Name: eventQuit, Src: []string{StateRunning}, Dst: StateStopping},
				{Name: eventExit, Src: []string{StateStopping}, Dst: StateStopped},
				{Name: eventCancel, Src: []string{StateIdle}, Dst: StateStopped},
			},
			fsm.Callbacks{},
		),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		sendCtx:    sendCtx,
		cancelSend: cancelSend,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() string {
	return w.lifecycle.Current()
}

// Done is closed once the tick goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.stopped
}

// SetPaused suspends (or resumes) ticking without stopping the goroutine.
func (w *Worker) SetPaused(paused bool) {
	w.paused.Store(paused)
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Ticks:           w.ticks.Load(),
		PersistFailures: w.persistFailures.Load(),
		SendFailures:    w.sendFailures.Load(),
		Acks:            w.acks.Load(),
	}
}

// Start launches the tick goroutine. It returns false unless the worker is idle.
func (w *Worker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.lifecycle.Event(context.Background(), eventStart); err != nil {
		return false
	}

	go w.run()

	w.logger.Debug("Worker started", "interval", w.cfg.Interval)
	return true
}

// Quit asks the goroutine to exit and waits for it. A tick in progress
// finishes its persistence step first. Quit returns ErrStopTimeout if the
// goroutine is still running after StopTimeout or when ctx is done.
// Quitting an idle worker retires it without ever starting it.
func (w *Worker) Quit(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.lifecycle.Current() {
	case StateStopped:
		return nil
	case StateIdle:
		w.cancelSend()
		return w.lifecycle.Event(context.Background(), eventCancel)
	case StateRunning:
		if err := w.lifecycle.Event(context.Background(), eventQuit); err != nil {
			return err
		}
		close(w.quit)
		w.grace = time.AfterFunc(w.cfg.QuitSendGrace, w.cancelSend)
	}

	timer := time.NewTimer(w.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-w.stopped:
	case <-timer.C:
		return ErrStopTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}

	w.grace.Stop()
	w.cancelSend()

	w.logger.Debug("Worker stopped", "ticks", w.ticks.Load())
	return w.lifecycle.Event(context.Background(), eventExit)
}

func (w *Worker) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			if w.cfg.FlushOnStop {
				w.tick(true)
			}
			return
		case <-ticker.C:
			// Quit wins over a tick that became due at the same time.
			select {
			case <-w.quit:
				continue
			default:
			}
			w.tick(false)
		}
	}
}

// tick persists a snapshot of the pending histograms, then tries to send it.
// Errors are logged and retried on the next tick.
func (w *Worker) tick(final bool) {
	if w.paused.Load() {
		w.logger.Debug("Skipping tick while opted out")
		return
	}

	n := w.ticks.Add(1)
	ctx, span := w.tracer.Start(w.sendCtx, "metrics.tick",
		trace.WithAttributes(attribute.Int64("tick", int64(n)), attribute.Bool("final", final)))
	defer span.End()

	snapshot, err := w.state.Snapshot()
	if err != nil {
		w.logger.Error("Failed to snapshot histograms", "error", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if snapshot.Empty() {
		return
	}

	if err := w.persist(ctx, snapshot); err != nil {
		w.persistFailures.Add(1)
		w.logger.Warn("Failed to persist histograms, will retry next tick", "tick", n, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	ack, err := w.send(ctx, snapshot)
	if err != nil {
		w.sendFailures.Add(1)
		if errors.Is(err, transmit.ErrDisabled) {
			w.logger.Debug("Transmission disabled, keeping histograms locally", "tick", n)
		} else {
			w.logger.Warn("Failed to transmit histograms, will retry next tick", "tick", n, "error", err)
		}
		return
	}
	w.acks.Add(1)

	remainder, err := w.forget(snapshot)
	if err != nil {
		w.logger.Error("Failed to drop acknowledged histograms", "payload_id", ack.PayloadID, "error", err)
		return
	}
	if err := w.persist(ctx, remainder); err != nil {
		w.logger.Warn("Failed to persist remaining histograms after upload", "error", err)
	}
}

// forget removes acknowledged data from the pending set and returns a copy
// of what is left.
func (w *Worker) forget(acked *histogram.Set) (*histogram.Set, error) {
	var remainder *histogram.Set
	err := w.state.WithHistograms(func(set *histogram.Set) error {
		if err := set.Subtract(acked); err != nil {
			return err
		}
		var err error
		remainder, err = set.Clone()
		return err
	})
	return remainder, err
}

func (w *Worker) persist(ctx context.Context, set *histogram.Set) error {
	// An interrupted write could corrupt the stored copy, so quit never cancels it.
	ctx, span := w.tracer.Start(context.WithoutCancel(ctx), "metrics.persist",
		trace.WithAttributes(attribute.Int("histograms", set.Len())))
	defer span.End()

	if err := w.store.Write(ctx, set); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (w *Worker) send(ctx context.Context, snapshot *histogram.Set) (transmit.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()

	ctx, span := w.tracer.Start(ctx, "metrics.send")
	defer span.End()

	payload := transmit.NewPayload(w.state.EventInfo().Attributes(), snapshot)
	span.SetAttributes(attribute.String("payload_id", payload.ID))

	ack, err := w.tx.Send(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return transmit.Ack{}, err
	}
	return ack, nil
}
