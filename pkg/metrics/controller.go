package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mermi/metrics-controller/pkg/histogram"
	"github.com/mermi/metrics-controller/pkg/logging"
	"github.com/mermi/metrics-controller/pkg/persistence"
	"github.com/mermi/metrics-controller/pkg/transmit"
)

// StopPolicy decides what happens to pending histograms when collection stops.
type StopPolicy int

const (
	// StopDiscardUnflushed drops everything that was not persisted before
	// the stop. Disk keeps exactly what the last successful tick wrote.
	StopDiscardUnflushed StopPolicy = iota
	// StopFlushPending persists (and tries to send) pending data one last
	// time before the worker exits.
	StopFlushPending
)

func (p StopPolicy) String() string {
	switch p {
	case StopFlushPending:
		return "flush"
	default:
		return "discard"
	}
}

// restoreTimeout bounds the read of persisted histograms in StartMetrics.
const restoreTimeout = 10 * time.Second

type options struct {
	logger     *slog.Logger
	store      persistence.Store
	tx         transmit.Transmitter
	worker     WorkerConfig
	active     bool
	stopPolicy StopPolicy
	accumulate bool
	bounds     []float64
}

// Option configures a Controller.
type Option func(*options)

// WithLogger sets the log sink. Without it the controller logs nothing.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStore sets the persistence collaborator. Defaults to an in-memory store.
func WithStore(store persistence.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithTransmitter sets the transmission collaborator. Defaults to transmit.Discard.
func WithTransmitter(tx transmit.Transmitter) Option {
	return func(o *options) {
		o.tx = tx
	}
}

func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.worker.Interval = d
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		o.worker.SendTimeout = d
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		o.worker.StopTimeout = d
	}
}

func WithQuitSendGrace(d time.Duration) Option {
	return func(o *options) {
		o.worker.QuitSendGrace = d
	}
}

// WithActive sets the initial opt-in state. Controllers are active by default.
func WithActive(active bool) Option {
	return func(o *options) {
		o.active = active
	}
}

func WithStopPolicy(p StopPolicy) Option {
	return func(o *options) {
		o.stopPolicy = p
	}
}

// WithAccumulateWhileOptedOut controls whether RecordValue keeps counting
// in memory while the host is opted out. Defaults to true.
func WithAccumulateWhileOptedOut(accumulate bool) Option {
	return func(o *options) {
		o.accumulate = accumulate
	}
}

// WithBounds sets the bucket bounds of histograms created by RecordValue.
func WithBounds(bounds []float64) Option {
	return func(o *options) {
		o.bounds = bounds
	}
}

// Controller is the entry point for host applications. It owns the shared
// State and the background Worker that persists and transmits it.
type Controller struct {
	logger     *logging.Logger
	state      *State
	worker     *Worker
	store      persistence.Store
	stopPolicy StopPolicy
	accumulate bool

	active atomic.Bool
	// mu serializes StartMetrics, StopCollecting and Close.
	mu sync.Mutex
}

// NewController creates a controller for the described application and
// environment. Nothing is read from disk and no goroutine is started until
// StartMetrics.
func NewController(appName, appVersion, appUpdateChannel, appBuildID, appPlatform,
	locale, device, arch, osName, osVersion string, opts ...Option,
) *Controller {
	o := options{
		active:     true,
		accumulate: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = persistence.NewMemoryStore()
	}
	if o.tx == nil {
		o.tx = transmit.Discard{}
	}

	logger := logging.New(o.logger, "[Metrics]")
	logger.Info("Creating Controller", "app_name", appName, "app_version", appVersion)

	info := NewEventInfo(locale, osName, osVersion, device, arch, appName, appVersion, appUpdateChannel, appBuildID, appPlatform)
	state := NewState(info, o.bounds)

	o.worker.Logger = logger
	o.worker.FlushOnStop = o.stopPolicy == StopFlushPending

	c := &Controller{
		logger:     logger,
		state:      state,
		worker:     NewWorker(state, o.store, o.tx, o.worker),
		store:      o.store,
		stopPolicy: o.stopPolicy,
		accumulate: o.accumulate,
	}
	c.active.Store(o.active)
	c.worker.SetPaused(!o.active)

	return c
}

// StartMetrics restores persisted histograms and starts the background
// worker. It returns false when the host opted out, when the worker is
// already running, or when it was stopped before.
func (c *Controller) StartMetrics() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active.Load() {
		c.logger.Info("Metrics collection is opted out, not starting")
		return false
	}
	if c.worker.State() != StateIdle {
		c.logger.Debug("Metrics already started", "state", c.worker.State())
		return false
	}

	c.restore()

	return c.worker.Start()
}

func (c *Controller) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	persisted, err := c.store.Read(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Warn("Failed to read persisted histograms, starting empty", "error", err)
		return
	}

	// Persisted histograms win on a layout conflict. The next tick replaces
	// the stored set with the in-memory one.
	var dropped map[string]uint64
	_ = c.state.WithHistograms(func(set *histogram.Set) error {
		dropped = set.Restore(persisted)
		return nil
	})
	for _, name := range slices.Sorted(maps.Keys(dropped)) {
		c.logger.Warn("Dropped observations recorded before start, bucket layout differs from persisted histogram",
			"histogram", name, "observations", dropped[name])
	}

	c.logger.Debug("Restored persisted histograms", "count", persisted.Len())
}

// StopCollecting stops the worker and waits for it to exit, then drops the
// in-memory histograms. Data already persisted stays on disk and is picked up
// by the next StartMetrics of a new Controller. Stopping a controller that is
// not running does nothing.
//
// The returned error wraps ErrStopTimeout when the worker did not exit in
// time; the host must not assume the background goroutine is gone.
func (c *Controller) StopCollecting() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	switch c.worker.State() {
	case StateRunning, StateStopping:
	default:
		return nil
	}

	if err := c.worker.Quit(context.Background()); err != nil {
		c.logger.Error("Metrics worker did not stop", "error", err)
		return fmt.Errorf("stopping metrics collection: %w", err)
	}

	_ = c.state.WithHistograms(func(set *histogram.Set) error {
		set.Reset()
		return nil
	})

	c.logger.Info("Metrics collection stopped", "policy", c.stopPolicy.String(), "ticks", c.worker.Stats().Ticks)
	return nil
}

// Close stops collection and releases the store.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stopLocked(); err != nil {
		return err
	}
	return c.store.Close()
}

// RecordValue adds one observation to the named histogram.
func (c *Controller) RecordValue(name string, value float64) {
	if !c.active.Load() && !c.accumulate {
		return
	}
	c.state.Record(name, value)
}

// SetActive switches between opted-in and opted-out at runtime. While
// opted out the worker neither persists nor transmits.
func (c *Controller) SetActive(active bool) {
	if c.active.Swap(active) == active {
		return
	}
	c.worker.SetPaused(!active)
	c.logger.Info("Metrics opt-in changed", "active", active)
}

// Active reports whether the host is opted in.
func (c *Controller) Active() bool {
	return c.active.Load()
}

// EventInfo returns the application and environment context.
func (c *Controller) EventInfo() EventInfo {
	return c.state.EventInfo()
}

// WorkerState returns the lifecycle state of the background worker.
func (c *Controller) WorkerState() string {
	return c.worker.State()
}

// Stats returns the worker's tick counters.
func (c *Controller) Stats() WorkerStats {
	return c.worker.Stats()
}
