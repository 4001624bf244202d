package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/i474232898/weather-station-fusion/internal/scheduler"
	"github.com/i474232898/weather-station-fusion/internal/weather"
	"github.com/i474232898/weather-station-fusion/internal/weather/decode"
)

// DefaultPollInterval is how often the REST poller runs.
const DefaultPollInterval = 5 * time.Minute

// RestPoller periodically fetches the active station's metadata, device
// observations, enrichment overlay and forecast.
type RestPoller struct {
	client *RESTClient
	logger *slog.Logger

	mu        sync.RWMutex
	stationID int
	interval  time.Duration
}

// NewRestPoller creates a poller for a station. Interval defaults to five
// minutes.
func NewRestPoller(client *RESTClient, stationID int, interval time.Duration, logger *slog.Logger) *RestPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RestPoller{
		client:    client,
		stationID: stationID,
		interval:  interval,
		logger:    logger.With("component", "rest-poller"),
	}
}

func (p *RestPoller) Transport() weather.Transport { return weather.TransportREST }

// SetStation changes the polled station. Takes effect on the next Run.
func (p *RestPoller) SetStation(id int) {
	p.mu.Lock()
	p.stationID = id
	p.mu.Unlock()
}

// SetInterval changes the poll interval. Takes effect on the next Run.
func (p *RestPoller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
}

func (p *RestPoller) config() (int, time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stationID, p.interval
}

// Run polls until ctx is cancelled. A failed tick is reported and the next tick
// runs on schedule.
func (p *RestPoller) Run(ctx context.Context, emit Emit, report Reporter) error {
	report = reporterOrNop(report)
	stationID, interval := p.config()
	if stationID == 0 {
		return errNoStation
	}

	sched := scheduler.New("rest-poll", interval, func(ctx context.Context) {
		if err := p.Poll(ctx, stationID, emit); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("poll failed", "station", stationID, "error", err)
			report.Failure(err)
			return
		}
		report.Success(time.Now())
	}, p.logger)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	// Stop returns once an in-flight poll has finished.
	sched.Stop()
	return nil
}

// Poll performs one polling round for a station. Station metadata and device
// observations are required; enrichment and forecast failures are logged and
// do not fail the round.
func (p *RestPoller) Poll(ctx context.Context, stationID int, emit Emit) error {
	now := time.Now()

	st, err := p.client.Station(ctx, stationID)
	if err != nil {
		return err
	}
	if err := emit(ctx, weather.Sample{
		Kind:       weather.SampleStation,
		Transport:  weather.TransportREST,
		StationID:  st.ID,
		ReceivedAt: now,
		Station:    &st,
	}); err != nil {
		return err
	}

	var errs []error
	for _, d := range st.SensorDevices() {
		msg, err := p.client.DeviceObservation(ctx, d.ID)
		if err != nil {
			var de *decode.DecodeError
			if errors.As(err, &de) {
				p.logger.Debug("dropping malformed device observation", "device", d.Serial, "error", err)
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, s := range msg.Samples {
			s.StationID = st.ID
			s.ReceivedAt = now
			if s.Serial == "" && s.DeviceID == 0 {
				s.DeviceID = d.ID
			}
			if err := emit(ctx, s); err != nil {
				return err
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if enrichment, err := p.client.StationObservation(ctx, st.ID); err != nil {
		p.logger.Debug("station observation unavailable", "station", st.ID, "error", err)
	} else if enrichment != nil {
		if err := emit(ctx, weather.Sample{
			Kind:       weather.SampleEnrichment,
			Transport:  weather.TransportREST,
			StationID:  st.ID,
			ReceivedAt: now,
			Enrichment: enrichment,
		}); err != nil {
			return err
		}
	}

	if hours, err := p.client.Forecast(ctx, st.ID); err != nil {
		p.logger.Debug("forecast unavailable", "station", st.ID, "error", err)
	} else if len(hours) > 0 {
		if err := emit(ctx, weather.Sample{
			Kind:       weather.SampleForecast,
			Transport:  weather.TransportREST,
			StationID:  st.ID,
			ReceivedAt: now,
			Forecast:   hours,
		}); err != nil {
			return err
		}
	}
	return nil
}
