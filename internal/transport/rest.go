package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-station-fusion/internal/weather"
	"github.com/i474232898/weather-station-fusion/internal/weather/decode"
)

// DefaultRESTURL is the WeatherFlow REST API root.
const DefaultRESTURL = "https://swd.weatherflow.com/swd/rest"

// maxBody bounds how much of a response body is read.
const maxBody = 4 << 20

// RESTClient talks to the WeatherFlow REST API. Every request goes through a
// circuit breaker; failures are classified, never retried here.
type RESTClient struct {
	baseURL string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	token string
}

// NewRESTClient creates a client. timeout bounds each request.
func NewRESTClient(baseURL, token string, timeout time.Duration) *RESTClient {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weatherflow-rest",
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Client-side errors say nothing about the API's health.
			k := KindOf(err)
			return err == nil || k == KindAuth || k == KindNotFound
		},
	})
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		circuit: cb,
		token:   token,
	}
}

// SetToken replaces the access token used by subsequent requests.
func (c *RESTClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *RESTClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Stations lists the stations the token can see.
func (c *RESTClient) Stations(ctx context.Context) ([]weather.Station, error) {
	raw, err := c.get(ctx, "stations", "/stations", nil)
	if err != nil {
		return nil, err
	}
	return decode.Stations(raw)
}

// Station fetches one station's metadata and device list.
func (c *RESTClient) Station(ctx context.Context, id int) (weather.Station, error) {
	raw, err := c.get(ctx, "station", "/stations/"+strconv.Itoa(id), nil)
	if err != nil {
		return weather.Station{}, err
	}
	stations, err := decode.Stations(raw)
	if err != nil {
		return weather.Station{}, err
	}
	if len(stations) == 0 {
		return weather.Station{}, &TransportError{Transport: weather.TransportREST, Kind: KindNotFound, Op: "station"}
	}
	return stations[0], nil
}

// DeviceObservation fetches the latest observation of a device through the
// shared positional decoder.
func (c *RESTClient) DeviceObservation(ctx context.Context, deviceID int) (decode.Message, error) {
	raw, err := c.get(ctx, "device_observation", "/observations/device/"+strconv.Itoa(deviceID), nil)
	if err != nil {
		return decode.Message{}, err
	}
	return decode.Decode(weather.TransportREST, raw)
}

// StationObservation fetches the derived-value overlay of a station. A nil
// result means the API had nothing to offer.
func (c *RESTClient) StationObservation(ctx context.Context, stationID int) (*weather.Enrichment, error) {
	raw, err := c.get(ctx, "station_observation", "/observations/station/"+strconv.Itoa(stationID), nil)
	if err != nil {
		return nil, err
	}
	return decode.StationObservation(raw)
}

// Forecast fetches the hourly forecast in metric units.
func (c *RESTClient) Forecast(ctx context.Context, stationID int) ([]weather.ForecastHour, error) {
	q := url.Values{}
	q.Set("station_id", strconv.Itoa(stationID))
	q.Set("units_temp", "c")
	q.Set("units_wind", "mps")
	q.Set("units_pressure", "mb")
	q.Set("units_precip", "mm")
	q.Set("units_distance", "km")
	raw, err := c.get(ctx, "forecast", "/better_forecast", q)
	if err != nil {
		return nil, err
	}
	return decode.Forecast(raw)
}

// get executes one authenticated GET through the circuit breaker.
func (c *RESTClient) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	if c.client == nil {
		return nil, errNoHTTPClient
	}
	token := c.currentToken()
	if token == "" {
		return nil, &TransportError{Transport: weather.TransportREST, Kind: KindAuth, Op: op, Err: errNoToken}
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	result, err := c.circuit.Execute(func() (interface{}, error) {
		resp, execErr := c.client.Do(req)
		if execErr != nil {
			return nil, &TransportError{Transport: weather.TransportREST, Kind: KindNetwork, Op: op, Err: execErr}
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &TransportError{
				Transport: weather.TransportREST,
				Kind:      kindForStatus(resp.StatusCode),
				Status:    resp.StatusCode,
				Op:        op,
			}
		}
		if readErr != nil {
			return nil, &TransportError{Transport: weather.TransportREST, Kind: KindNetwork, Op: op, Err: readErr}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransportError{Transport: weather.TransportREST, Kind: KindCircuitOpen, Op: op, Err: err}
		}
		return nil, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return body, nil
}
