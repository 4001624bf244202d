// Package supervisor owns the lifecycle of the transport adapters and exposes
// their health.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/weather-station-fusion/internal/transport"
	"github.com/i474232898/weather-station-fusion/internal/weather"
	"github.com/i474232898/weather-station-fusion/internal/weather/decode"
)

// State is the lifecycle state of one transport.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
)

// ErrUnknownTransport is returned for transports that were never registered.
var ErrUnknownTransport = errors.New("transport not registered")

// Health is a read-only snapshot of one transport.
type Health struct {
	Transport   weather.Transport      `json:"transport"`
	State       State                  `json:"state"`
	StartedAt   time.Time              `json:"startedAt,omitempty"`
	LastSuccess time.Time              `json:"lastSuccess,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
	ErrorKind   transport.ErrorKind    `json:"errorKind,omitempty"`
	LastErrorAt time.Time              `json:"lastErrorAt,omitempty"`
	Malformed   int                    `json:"malformed"`
	Conn        transport.ConnState    `json:"connection,omitempty"`
	Silent      bool                   `json:"silent,omitempty"`
	Devices     []weather.DeviceStatus `json:"devices,omitempty"`
}

// Recorder observes state changes and errors.
type Recorder interface {
	TransportState(t weather.Transport, s State)
	TransportError(t weather.Transport, kind string)
}

type nopRecorder struct{}

func (nopRecorder) TransportState(weather.Transport, State) {}
func (nopRecorder) TransportError(weather.Transport, string) {}

// Config tunes the supervisor.
type Config struct {
	// SilenceThreshold is how long UDP may go without data before it is
	// flagged silent.
	SilenceThreshold time.Duration
	// OnAuthError is called when a transport fails authentication.
	OnAuthError      func(t weather.Transport, err error)
	Recorder         Recorder
	Logger           *slog.Logger
}

// Supervisor starts, stops and reconfigures transports independently.
type Supervisor struct {
	emit    transport.Emit
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	base    context.Context
	cancel  context.CancelFunc
	order   []weather.Transport
	mu      sync.RWMutex
	entries map[weather.Transport]*entry
}

// entry is one supervised transport. lifecycle serializes Start, Stop and
// Reconfigure; mu guards the health fields the adapter reports into.
type entry struct {
	adapter   transport.Adapter
	lifecycle sync.Mutex

	mu          sync.RWMutex
	state       State
	startedAt   time.Time
	lastSuccess time.Time
	lastErr     error
	lastErrAt   time.Time
	malformed   int
	conn        transport.ConnState
	statuses    map[string]weather.DeviceStatus
	userStopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor whose adapters hand samples to emit.
func New(emit transport.Emit, cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 5 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		emit:    emit,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "supervisor"),
		now:     time.Now,
		base:    base,
		cancel:  cancel,
		entries: make(map[weather.Transport]*entry),
	}
}

// Register adds an adapter in the stopped state.
func (s *Supervisor) Register(a transport.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := a.Transport()
	if _, ok := s.entries[t]; !ok {
		s.order = append(s.order, t)
	}
	s.entries[t] = &entry{adapter: a, state: StateStopped, userStopped: true}
}

// Adapter returns the registered adapter for t.
func (s *Supervisor) Adapter(t weather.Transport) (transport.Adapter, bool) {
	e, err := s.entry(t)
	if err != nil {
		return nil, false
	}
	return e.adapter, true
}

func (s *Supervisor) entry(t weather.Transport) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, t)
	}
	return e, nil
}

// Start launches a transport. Starting an active transport is a no-op.
func (s *Supervisor) Start(t weather.Transport) error {
	e, err := s.entry(t)
	if err != nil {
		return err
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	s.startLocked(t, e)
	return nil
}

// StartAll starts every registered transport.
func (s *Supervisor) StartAll() {
	for _, t := range s.transports() {
		_ = s.Start(t)
	}
}

// Stop cancels a transport and waits for its adapter to return. Stopping a
// stopped transport is a no-op.
func (s *Supervisor) Stop(t weather.Transport) error {
	e, err := s.entry(t)
	if err != nil {
		return err
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	s.stopLocked(t, e)
	e.mu.Lock()
	e.userStopped = true
	e.mu.Unlock()
	return nil
}

// StopAll stops every transport and releases the supervisor.
func (s *Supervisor) StopAll() {
	for _, t := range s.transports() {
		_ = s.Stop(t)
	}
	s.cancel()
}

// Reconfigure stops a transport, applies a change and starts it again. A
// transport that ended with an error is started too, so a credential fix
// revives it; one that was never started or was stopped by Stop stays
// stopped. The restart happens even if apply fails.
func (s *Supervisor) Reconfigure(t weather.Transport, apply func() error) error {
	e, err := s.entry(t)
	if err != nil {
		return err
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	s.stopLocked(t, e)
	applyErr := apply()

	e.mu.RLock()
	userStopped := e.userStopped
	e.mu.RUnlock()
	if !userStopped {
		s.startLocked(t, e)
	}
	return applyErr
}

func (s *Supervisor) startLocked(t weather.Transport, e *entry) {
	if e.done != nil {
		select {
		case <-e.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(s.base)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done

	e.mu.Lock()
	e.userStopped = false
	e.startedAt = s.now()
	e.conn = ""
	e.mu.Unlock()
	s.setState(t, e, StateStarting)

	rep := &reporter{s: s, t: t, e: e}
	emit := func(callCtx context.Context, sample weather.Sample) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.emit(callCtx, sample)
	}

	go func() {
		defer close(done)
		err := e.adapter.Run(ctx, emit, rep)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("transport stopped with error", "transport", t, "error", err)
			rep.Failure(err)
		}
		s.setState(t, e, StateStopped)
	}()
	s.logger.Info("transport started", "transport", t)
}

func (s *Supervisor) stopLocked(t weather.Transport, e *entry) {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil
	s.setState(t, e, StateStopped)
	s.logger.Info("transport stopped", "transport", t)
}

func (s *Supervisor) setState(t weather.Transport, e *entry, st State) {
	e.mu.Lock()
	changed := e.state != st
	e.state = st
	e.mu.Unlock()
	if changed {
		s.cfg.Recorder.TransportState(t, st)
	}
}

func (s *Supervisor) transports() []weather.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]weather.Transport(nil), s.order...)
}

// Health returns snapshots of every registered transport in registration
// order.
func (s *Supervisor) Health() []Health {
	ts := s.transports()
	out := make([]Health, 0, len(ts))
	for _, t := range ts {
		if h, err := s.HealthOf(t); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// HealthOf returns the snapshot of one transport.
func (s *Supervisor) HealthOf(t weather.Transport) (Health, error) {
	e, err := s.entry(t)
	if err != nil {
		return Health{}, err
	}
	now := s.now()

	e.mu.RLock()
	defer e.mu.RUnlock()
	h := Health{
		Transport:   t,
		State:       e.state,
		StartedAt:   e.startedAt,
		LastSuccess: e.lastSuccess,
		LastErrorAt: e.lastErrAt,
		Malformed:   e.malformed,
		Conn:        e.conn,
	}
	for _, ds := range e.statuses {
		h.Devices = append(h.Devices, ds)
	}
	sort.Slice(h.Devices, func(i, j int) bool { return h.Devices[i].Serial < h.Devices[j].Serial })
	if e.lastErr != nil {
		h.LastError = e.lastErr.Error()
		h.ErrorKind = transport.KindOf(e.lastErr)
	}
	if t == weather.TransportUDP && e.state != StateStopped {
		since := e.lastSuccess
		if since.Before(e.startedAt) {
			since = e.startedAt
		}
		h.Silent = now.Sub(since) > s.cfg.SilenceThreshold
	}
	return h, nil
}

// reporter feeds one run's events into its entry.
type reporter struct {
	s         *Supervisor
	t         weather.Transport
	e         *entry
	escalated sync.Once
}

func (r *reporter) Success(at time.Time) {
	r.e.mu.Lock()
	r.e.lastSuccess = at
	promote := r.e.state == StateStarting || r.e.state == StateReconnecting
	r.e.mu.Unlock()
	if promote {
		r.s.setState(r.t, r.e, StateRunning)
	}
}

func (r *reporter) Failure(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, decode.ErrMalformed) {
		r.e.mu.Lock()
		r.e.malformed++
		r.e.mu.Unlock()
		r.s.cfg.Recorder.TransportError(r.t, "malformed")
		return
	}

	r.e.mu.Lock()
	r.e.lastErr = err
	r.e.lastErrAt = r.s.now()
	demote := r.e.state == StateRunning
	r.e.mu.Unlock()
	if demote {
		r.s.setState(r.t, r.e, StateReconnecting)
	}

	kind := transport.KindOf(err)
	if kind == "" {
		kind = "other"
	}
	r.s.cfg.Recorder.TransportError(r.t, string(kind))

	if transport.IsAuth(err) && r.s.cfg.OnAuthError != nil {
		r.escalated.Do(func() { r.s.cfg.OnAuthError(r.t, err) })
	}
}

func (r *reporter) Conn(c transport.ConnState) {
	r.e.mu.Lock()
	r.e.conn = c
	state := r.e.state
	r.e.mu.Unlock()

	switch {
	case c == transport.ConnConnected:
		r.s.setState(r.t, r.e, StateRunning)
	case c == transport.ConnConnecting && state == StateRunning:
		r.s.setState(r.t, r.e, StateReconnecting)
	}
}

func (r *reporter) Status(ds weather.DeviceStatus) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if r.e.statuses == nil {
		r.e.statuses = make(map[string]weather.DeviceStatus)
	}
	r.e.statuses[ds.Serial] = ds
}
