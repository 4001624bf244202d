package fusion

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

// ErrNoStation is returned by operations that need a selected station.
var ErrNoStation = errors.New("no station selected")

// Router is the part of the device router the engine drives.
type Router interface {
	Resolver
	MarkSeen(serial string, t weather.Transport, at time.Time)
}

// Publisher receives every state whose version changed.
type Publisher interface {
	Publish(weather.FusionState)
}

// Recorder counts what the engine does with samples.
type Recorder interface {
	SampleApplied(t weather.Transport, k weather.SampleKind, changed bool)
	SampleDropped(t weather.Transport, reason string)
	StatePublished(version uint64)
}

type nopRecorder struct{}

func (nopRecorder) SampleApplied(weather.Transport, weather.SampleKind, bool) {}
func (nopRecorder) SampleDropped(weather.Transport, string) {}
func (nopRecorder) StatePublished(uint64) {}

// Config tunes the engine.
type Config struct {
	QueueSize       int
	RefreshInterval time.Duration
	StaleAfter      time.Duration
}

// Engine owns the fusion state. All mutation happens on the Run goroutine;
// adapters hand samples over through a bounded queue.
type Engine struct {
	fuser     *Fuser
	router    Router
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	in      chan weather.Sample
	cmds    chan func()
	refresh time.Duration

	state   *weather.FusionState
	version uint64
}

// NewEngine creates an Engine. recorder may be nil.
func NewEngine(cfg Config, router Router, publisher Publisher, recorder Recorder, logger *slog.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		fuser:     NewFuser(router, cfg.StaleAfter),
		router:    router,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.With("component", "fusion"),
		now:       time.Now,
		in:        make(chan weather.Sample, cfg.QueueSize),
		cmds:      make(chan func()),
		refresh:   cfg.RefreshInterval,
	}
}

// Submit queues a sample, blocking while the queue is full.
func (e *Engine) Submit(ctx context.Context, s weather.Sample) error {
	select {
	case e.in <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes samples until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-e.in:
			e.apply(s)
		case fn := <-e.cmds:
			e.drain()
			fn()
		case <-ticker.C:
			e.reevaluate()
		}
	}
}

// SelectStation discards the current state and starts fusing for st.
func (e *Engine) SelectStation(ctx context.Context, st weather.Station) error {
	return e.do(ctx, func() {
		e.version++
		next := weather.NewFusionState(st)
		e.fuser.assemble(&next, e.now())
		next.Version = e.version
		next.UpdatedAt = e.now()
		e.state = &next
		e.logger.Info("station selected", "station", st.ID, "devices", len(st.Devices))
		e.publish()
	})
}

// Reevaluate recomputes the effective observation, e.g. after a routing
// override changed.
func (e *Engine) Reevaluate(ctx context.Context) error {
	var err error
	if doErr := e.do(ctx, func() {
		if e.state == nil {
			err = ErrNoStation
			return
		}
		e.reevaluate()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Snapshot returns the current state.
func (e *Engine) Snapshot(ctx context.Context) (weather.FusionState, error) {
	var (
		out weather.FusionState
		err error
	)
	if doErr := e.do(ctx, func() {
		if e.state == nil {
			err = ErrNoStation
			return
		}
		out = *e.state
	}); doErr != nil {
		return weather.FusionState{}, doErr
	}
	return out, err
}

// drain applies every queued sample so a command sees all samples submitted
// before it.
func (e *Engine) drain() {
	for {
		select {
		case s := <-e.in:
			e.apply(s)
		default:
			return
		}
	}
}

func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case e.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) apply(s weather.Sample) {
	if e.state == nil {
		e.recorder.SampleDropped(s.Transport, "no_station")
		return
	}

	normalized, ok := Normalize(e.state.Station, s)
	if !ok {
		e.recorder.SampleDropped(s.Transport, "unknown_device")
		e.logger.Debug("dropping sample for unknown device",
			"transport", s.Transport, "serial", s.Serial, "device_id", s.DeviceID, "kind", s.Kind)
		return
	}
	if normalized.Serial != "" {
		at := normalized.ReceivedAt
		if at.IsZero() {
			at = e.now()
		}
		e.router.MarkSeen(normalized.Serial, normalized.Transport, at)
	}

	next, changed := e.fuser.Apply(*e.state, normalized, e.now())
	e.recorder.SampleApplied(s.Transport, s.Kind, changed)
	if !changed {
		return
	}
	e.commit(next)
}

func (e *Engine) reevaluate() {
	if e.state == nil {
		return
	}
	if next, changed := e.fuser.Refresh(*e.state, e.now()); changed {
		e.commit(next)
	}
}

// commit stores next under a fresh version. Versions keep counting across
// station changes so subscribers never see one go backwards.
func (e *Engine) commit(next weather.FusionState) {
	e.version++
	next.Version = e.version
	e.state = &next
	e.publish()
}

func (e *Engine) publish() {
	if e.publisher != nil {
		e.publisher.Publish(*e.state)
	}
	e.recorder.StatePublished(e.state.Version)
}
