package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/i474232898/weather-station-fusion/internal/common"
	"github.com/i474232898/weather-station-fusion/internal/weather"
	"github.com/i474232898/weather-station-fusion/internal/weather/decode"
)

// DefaultWebSocketURL is the WeatherFlow streaming endpoint.
const DefaultWebSocketURL = "wss://ws.weatherflow.com/swd/data"

// DefaultMaxBackoff caps the reconnect delay.
const DefaultMaxBackoff = 60 * time.Second

// listenRequest subscribes to a device's observations or rapid wind.
type listenRequest struct {
	Type     string `json:"type"`
	DeviceID int    `json:"device_id"`
	ID       string `json:"id"`
}

// WebSocketStream keeps a subscription to the streaming API open for every
// sensor device of the active station.
type WebSocketStream struct {
	baseURL    string
	maxBackoff time.Duration
	dialer     *websocket.Dialer
	logger     *slog.Logger

	mu      sync.RWMutex
	token   string
	devices []weather.Device
	state   ConnState
}

// NewWebSocketStream creates a stream. maxBackoff defaults to 60s.
func NewWebSocketStream(baseURL, token string, maxBackoff time.Duration, logger *slog.Logger) *WebSocketStream {
	if baseURL == "" {
		baseURL = DefaultWebSocketURL
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketStream{
		baseURL:    baseURL,
		maxBackoff: maxBackoff,
		dialer:     &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:     logger.With("component", "websocket"),
		token:      token,
		state:      ConnDisconnected,
	}
}

func (w *WebSocketStream) Transport() weather.Transport { return weather.TransportWebSocket }

// SetToken changes the access token. Takes effect on the next Run.
func (w *WebSocketStream) SetToken(token string) {
	w.mu.Lock()
	w.token = token
	w.mu.Unlock()
}

// SetStation changes the devices subscribed to. Takes effect on the next Run.
func (w *WebSocketStream) SetStation(st weather.Station) {
	w.mu.Lock()
	w.devices = st.SensorDevices()
	w.mu.Unlock()
}

// State returns the current connection state.
func (w *WebSocketStream) State() ConnState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *WebSocketStream) setState(s ConnState, report Reporter) {
	w.mu.Lock()
	changed := w.state != s
	w.state = s
	w.mu.Unlock()
	if changed {
		report.Conn(s)
	}
}

func (w *WebSocketStream) config() (string, []weather.Device) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.token, append([]weather.Device(nil), w.devices...)
}

// Run connects, subscribes and reads until ctx is cancelled. Dropped
// connections are re-established with capped exponential backoff. An
// authentication failure ends Run.
func (w *WebSocketStream) Run(ctx context.Context, emit Emit, report Reporter) error {
	report = reporterOrNop(report)
	defer w.setState(ConnDisconnected, report)

	token, devices := w.config()
	if token == "" {
		return &TransportError{Transport: weather.TransportWebSocket, Kind: KindAuth, Op: "dial", Err: errNoToken}
	}
	if len(devices) == 0 {
		return errNoStation
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = min(time.Second, w.maxBackoff)
	policy.MaxInterval = w.maxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()
	bo := backoff.WithContext(policy, ctx)

	for {
		w.setState(ConnConnecting, report)
		connected, err := w.session(ctx, token, devices, emit, report)
		if ctx.Err() != nil {
			return nil
		}
		w.setState(ConnDisconnected, report)
		if IsAuth(err) {
			report.Failure(err)
			return err
		}
		if err != nil {
			w.logger.Warn("websocket session ended", "error", err)
			report.Failure(err)
		}
		if connected {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return nil
		}
		w.logger.Info("reconnecting", "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the handshake
// succeeded, which resets the backoff.
func (w *WebSocketStream) session(ctx context.Context, token string, devices []weather.Device, emit Emit, report Reporter) (connected bool, err error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return false, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := w.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		te := &TransportError{Transport: weather.TransportWebSocket, Op: "dial", Err: errors.New(common.RedactToken(err.Error(), token))}
		if resp != nil {
			te.Status = resp.StatusCode
			te.Kind = kindForStatus(resp.StatusCode)
		} else {
			te.Kind = KindNetwork
		}
		return false, te
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for _, d := range devices {
		for _, typ := range []string{"listen_start", "listen_rapid_start"} {
			req := listenRequest{Type: typ, DeviceID: d.ID, ID: uuid.NewString()}
			if err := conn.WriteJSON(req); err != nil {
				return true, &TransportError{Transport: weather.TransportWebSocket, Kind: KindNetwork, Op: typ, Err: err}
			}
		}
	}
	w.setState(ConnConnected, report)
	w.logger.Info("websocket connected", "devices", len(devices))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			kind := KindNetwork
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				kind = kindForMessage(ce.Text)
			}
			return true, &TransportError{Transport: weather.TransportWebSocket, Kind: kind, Op: "read", Err: err}
		}

		msg, err := decode.Decode(weather.TransportWebSocket, raw)
		if err != nil {
			w.logger.Debug("dropping malformed message", "error", err)
			report.Failure(err)
			continue
		}
		now := time.Now()
		report.Success(now)
		for _, s := range msg.Samples {
			s.ReceivedAt = now
			if err := emit(ctx, s); err != nil {
				return true, nil
			}
		}
	}
}
