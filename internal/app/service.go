// Package app wires the transports, router, engine and store into the
// service the HTTP API and the CLI drive.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/weather-station-fusion/internal/bridge"
	"github.com/i474232898/weather-station-fusion/internal/config"
	"github.com/i474232898/weather-station-fusion/internal/fusion"
	"github.com/i474232898/weather-station-fusion/internal/metrics"
	"github.com/i474232898/weather-station-fusion/internal/router"
	"github.com/i474232898/weather-station-fusion/internal/store"
	"github.com/i474232898/weather-station-fusion/internal/supervisor"
	"github.com/i474232898/weather-station-fusion/internal/transport"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

var (
	// ErrNoStation is returned by operations that need a selected station.
	ErrNoStation = fusion.ErrNoStation
	// ErrUnroutableField is returned when pinning a device-scoped field.
	ErrUnroutableField = errors.New("field is not a routed measurement")
	// ErrDeviceCannotSupply is returned when pinning a device that lacks the field's capability.
	ErrDeviceCannotSupply = errors.New("device cannot supply field")
)

// StationStatus reports the selection of the configured station.
type StationStatus struct {
	StationID int    `json:"stationId"`
	Pending   bool   `json:"pending"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

// Service orchestrates transports, fusion and persistence for one active
// station.
type Service struct {
	cfg    *config.AppConfig
	logger *slog.Logger

	rest   *transport.RESTClient
	poller *transport.RestPoller
	ws     *transport.WebSocketStream
	udp    *transport.UDPListener

	router     *router.Router
	store      *store.MemoryStore
	overrides  store.OverrideStore
	engine     *fusion.Engine
	supervisor *supervisor.Supervisor
	metrics    *metrics.Metrics
	bridge     *bridge.MQTTBridge

	// selectMu serializes station changes.
	selectMu  sync.Mutex
	mu        sync.RWMutex
	station   *weather.Station
	selection StationStatus

	// credentials is signalled when the token changes.
	credentials chan struct{}
}

// New builds the service. The override store is opened and its pins loaded
// into the router; nothing runs until Run.
func New(ctx context.Context, cfg *config.AppConfig, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		var err error
		if m, err = metrics.New(nil); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	var overrides store.OverrideStore = store.NewMemoryOverrides()
	if cfg.OverridesDB != "" {
		db, err := store.OpenSQLiteOverrides(ctx, cfg.OverridesDB)
		if err != nil {
			return nil, err
		}
		overrides = db
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger.With("component", "service"),
		router:    router.New(logger, cfg.StaleAfter),
		store:     store.NewMemoryStore(),
		overrides: overrides,
		metrics:   m,

		credentials: make(chan struct{}, 1),
	}

	pins, err := overrides.LoadOverrides(ctx)
	if err != nil {
		_ = overrides.Close()
		return nil, err
	}
	for _, o := range pins {
		s.router.Pin(o)
	}
	s.router.OnFallback(func(w weather.RoutingFallbackWarning) {
		s.logger.Warn("routing fallback", "station", w.StationID, "field", w.Field, "pinned", w.Pinned, "using", w.Fallback)
	})

	s.engine = fusion.NewEngine(fusion.Config{
		QueueSize:       cfg.QueueSize,
		RefreshInterval: cfg.RefreshInterval,
		StaleAfter:      cfg.StaleAfter,
	}, s.router, s.store, m, logger)

	s.rest = transport.NewRESTClient(cfg.RESTURL, cfg.Token, cfg.HTTPTimeout)
	s.poller = transport.NewRestPoller(s.rest, 0, cfg.PollInterval, logger)
	s.ws = transport.NewWebSocketStream(cfg.WSURL, cfg.Token, cfg.WSMaxBackoff, logger)
	s.udp = transport.NewUDPListener(cfg.UDPPort, logger)

	s.supervisor = supervisor.New(s.engine.Submit, supervisor.Config{
		SilenceThreshold: cfg.SilenceThreshold,
		OnAuthError:      s.onAuthError,
		Recorder:         m,
		Logger:           logger,
	})
	s.supervisor.Register(s.udp)
	s.supervisor.Register(s.ws)
	s.supervisor.Register(s.poller)

	if cfg.HasMQTT() {
		s.bridge = bridge.NewMQTTBridge(bridge.Config{
			Broker:      cfg.MQTTBroker,
			Port:        cfg.MQTTPort,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, m, logger)
	}

	s.logger.Info("service configured", "overrides", len(pins), "mqtt", cfg.HasMQTT(), "udp_port", cfg.UDPPort)
	return s, nil
}

// Run starts the engine and the local listener, selects the configured
// station and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.engine.Run(gctx) })

	if s.bridge != nil {
		g.Go(func() error {
			if err := s.bridge.Connect(gctx); err != nil {
				s.logger.Error("mqtt bridge unavailable", "error", err)
				return nil
			}
			return s.bridge.Run(gctx, s.store)
		})
	}

	if err := s.supervisor.Start(weather.TransportUDP); err != nil {
		return err
	}
	if s.cfg.StationID != 0 {
		s.setSelection(StationStatus{StationID: s.cfg.StationID, Pending: true})
		g.Go(func() error {
			s.selectConfiguredStation(gctx)
			return nil
		})
	}

	<-gctx.Done()
	if s.bridge != nil {
		s.bridge.Disconnect()
	}
	err := g.Wait()
	// After Wait so a late station selection cannot restart a transport.
	s.supervisor.StopAll()
	if cerr := s.overrides.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Stations lists the stations visible to the configured token.
func (s *Service) Stations(ctx context.Context) ([]weather.Station, error) {
	return s.rest.Stations(ctx)
}

// SelectStation fetches a station's metadata, discards the current fusion
// state and points the cloud transports at the new station.
func (s *Service) SelectStation(ctx context.Context, id int) (weather.Station, error) {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	st, err := s.rest.Station(ctx, id)
	if err != nil {
		return weather.Station{}, fmt.Errorf("fetch station %d: %w", id, err)
	}
	if err := s.engine.SelectStation(ctx, st); err != nil {
		return weather.Station{}, err
	}

	s.mu.Lock()
	s.station = &st
	s.selection.Pending = false
	s.mu.Unlock()

	_ = s.supervisor.Reconfigure(weather.TransportREST, func() error {
		s.poller.SetStation(st.ID)
		return nil
	})
	_ = s.supervisor.Reconfigure(weather.TransportWebSocket, func() error {
		s.ws.SetStation(st)
		return nil
	})
	_ = s.supervisor.Start(weather.TransportREST)
	_ = s.supervisor.Start(weather.TransportWebSocket)

	s.logger.Info("station active", "station", st.ID, "name", st.Name)
	return st, nil
}

// selectConfiguredStation selects the configured station, retrying with
// capped exponential backoff while the cloud is unavailable. A rejected token
// pauses the retries until SetCredentials.
func (s *Service) selectConfiguredStation(ctx context.Context) {
	id := s.cfg.StationID
	attempts := 0

	for {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = min(time.Second, s.cfg.WSMaxBackoff)
		policy.MaxInterval = s.cfg.WSMaxBackoff
		policy.MaxElapsedTime = 0
		policy.Reset()

		err := backoff.RetryNotify(func() error {
			if _, err := s.Station(); err == nil {
				// Selected through the API meanwhile.
				return nil
			}
			attempts++
			_, err := s.SelectStation(ctx, id)
			if transport.IsAuth(err) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
			s.logger.Warn("station selection failed, retrying", "station", id, "attempt", attempts, "retry_in", next, "error", err)
			s.setSelection(StationStatus{StationID: id, Pending: true, Attempts: attempts, LastError: err.Error()})
		})

		switch {
		case err == nil:
			s.setSelection(StationStatus{StationID: id, Attempts: attempts})
			return
		case ctx.Err() != nil:
			return
		}

		s.setSelection(StationStatus{StationID: id, Pending: true, Attempts: attempts, LastError: err.Error()})
		s.onAuthError(weather.TransportREST, err)
		select {
		case <-s.credentials:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) setSelection(st StationStatus) {
	s.mu.Lock()
	s.selection = st
	s.mu.Unlock()
}

// StationStatus reports whether the configured station is still being
// selected. The zero value means no station was configured.
func (s *Service) StationStatus() StationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// Station returns the active station.
func (s *Service) Station() (weather.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.station == nil {
		return weather.Station{}, ErrNoStation
	}
	return *s.station, nil
}

// State returns the latest published snapshot.
func (s *Service) State() (weather.FusionState, error) {
	return s.store.Latest()
}

// Subscribe streams snapshots. Call Unsubscribe with the id when done.
func (s *Service) Subscribe() *store.Subscription { return s.store.Subscribe() }
func (s *Service) Unsubscribe(id string) { s.store.Unsubscribe(id) }

// Overrides returns the pins of the active station.
func (s *Service) Overrides() ([]router.Override, error) {
	st, err := s.Station()
	if err != nil {
		return nil, err
	}
	return s.router.Overrides(st.ID), nil
}

// SetOverride pins field to the device with serial, persists the pin and
// re-evaluates the effective observation.
func (s *Service) SetOverride(ctx context.Context, f weather.Field, serial string) (router.Override, error) {
	st, err := s.Station()
	if err != nil {
		return router.Override{}, err
	}
	capability, ok := f.Capability()
	if !ok {
		return router.Override{}, fmt.Errorf("%w: %s", ErrUnroutableField, f)
	}
	if d, found := st.DeviceBySerial(serial); found && !d.Can(capability) {
		return router.Override{}, fmt.Errorf("%w: %s has no %s", ErrDeviceCannotSupply, serial, capability)
	}

	o := router.Override{StationID: st.ID, Field: f, Serial: serial}
	if err := s.overrides.SaveOverride(ctx, o); err != nil {
		return router.Override{}, err
	}
	s.router.Pin(o)
	if err := s.engine.Reevaluate(ctx); err != nil && !errors.Is(err, fusion.ErrNoStation) {
		return o, err
	}
	return o, nil
}

// ClearOverride returns field to automatic selection.
func (s *Service) ClearOverride(ctx context.Context, f weather.Field) error {
	st, err := s.Station()
	if err != nil {
		return err
	}
	if err := s.overrides.DeleteOverride(ctx, st.ID, f); err != nil {
		return err
	}
	s.router.Unpin(st.ID, f)
	if err := s.engine.Reevaluate(ctx); err != nil && !errors.Is(err, fusion.ErrNoStation) {
		return err
	}
	return nil
}

// Health reports every transport.
func (s *Service) Health() []supervisor.Health { return s.supervisor.Health() }

// SetUDPPort rebinds the local listener. Only the UDP transport restarts.
func (s *Service) SetUDPPort(port int) error {
	return s.supervisor.Reconfigure(weather.TransportUDP, func() error {
		return s.udp.SetPort(port)
	})
}

// SetPollInterval changes the REST poll cadence.
func (s *Service) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", d)
	}
	return s.supervisor.Reconfigure(weather.TransportREST, func() error {
		s.poller.SetInterval(d)
		return nil
	})
}

// SetCredentials replaces the access token and restarts the cloud
// transports, reviving any that stopped on an authentication failure.
func (s *Service) SetCredentials(token string) error {
	if token == "" {
		return errors.New("token must not be empty")
	}
	s.rest.SetToken(token)
	select {
	case s.credentials <- struct{}{}:
	default:
	}
	if err := s.supervisor.Reconfigure(weather.TransportWebSocket, func() error {
		s.ws.SetToken(token)
		return nil
	}); err != nil {
		return err
	}
	return s.supervisor.Reconfigure(weather.TransportREST, func() error { return nil })
}

// MetricsHandler serves the Prometheus registry.
func (s *Service) MetricsHandler() http.Handler { return s.metrics.Handler() }

func (s *Service) onAuthError(t weather.Transport, err error) {
	s.logger.Error("credentials rejected; supply a new token", "transport", t, "error", err)
}
