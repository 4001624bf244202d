package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-station-fusion/internal/app"
	"github.com/i474232898/weather-station-fusion/internal/router"
	"github.com/i474232898/weather-station-fusion/internal/store"
	"github.com/i474232898/weather-station-fusion/internal/supervisor"
	"github.com/i474232898/weather-station-fusion/internal/transport"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

type fakeService struct {
	state       *weather.FusionState
	stream      []weather.FusionState
	unsubscribe string
	station     *weather.Station
	selection   app.StationStatus
	stationsErr error
	pins        []router.Override
	udpPort     int
	interval    time.Duration
	token       string
}

func (f *fakeService) State() (weather.FusionState, error) {
	if f.state == nil {
		return weather.FusionState{}, store.ErrNotFound
	}
	return *f.state, nil
}

func (f *fakeService) Subscribe() *store.Subscription {
	ch := make(chan weather.FusionState, len(f.stream))
	for _, s := range f.stream {
		ch <- s
	}
	close(ch)
	return &store.Subscription{ID: "sub-1", C: ch}
}

func (f *fakeService) Unsubscribe(id string) { f.unsubscribe = id }

func (f *fakeService) Stations(context.Context) ([]weather.Station, error) {
	if f.stationsErr != nil {
		return nil, f.stationsErr
	}
	return []weather.Station{{ID: 690, Name: "Home"}}, nil
}

func (f *fakeService) Station() (weather.Station, error) {
	if f.station == nil {
		return weather.Station{}, app.ErrNoStation
	}
	return *f.station, nil
}

func (f *fakeService) StationStatus() app.StationStatus { return f.selection }

func (f *fakeService) SelectStation(_ context.Context, id int) (weather.Station, error) {
	f.station = &weather.Station{ID: id, Name: "Home"}
	return *f.station, nil
}

func (f *fakeService) Overrides() ([]router.Override, error) {
	if f.station == nil {
		return nil, app.ErrNoStation
	}
	return f.pins, nil
}

func (f *fakeService) SetOverride(_ context.Context, fld weather.Field, serial string) (router.Override, error) {
	if serial == "HB-1" {
		return router.Override{}, fmt.Errorf("%w: hub", app.ErrDeviceCannotSupply)
	}
	o := router.Override{StationID: 690, Field: fld, Serial: serial}
	f.pins = append(f.pins, o)
	return o, nil
}

func (f *fakeService) ClearOverride(context.Context, weather.Field) error {
	f.pins = nil
	return nil
}

func (f *fakeService) Health() []supervisor.Health {
	return []supervisor.Health{{Transport: weather.TransportUDP, State: supervisor.StateRunning}}
}

func (f *fakeService) SetUDPPort(port int) error { f.udpPort = port; return nil }

func (f *fakeService) SetPollInterval(d time.Duration) error { f.interval = d; return nil }

func (f *fakeService) SetCredentials(token string) error { f.token = token; return nil }

func (f *fakeService) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "wsfusion_engine_state_version 1\n")
	})
}

func newTestApp(svc Service) *fiber.App {
	fa := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(fa, svc)
	return fa
}

func do(t *testing.T, fa *fiber.App, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := fa.Test(req, 5000)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestHealthAndMetrics(t *testing.T) {
	fa := newTestApp(&fakeService{})

	resp, body := do(t, fa, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)

	resp, body = do(t, fa, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "wsfusion_engine_state_version")
}

func TestHealthReportsPendingStation(t *testing.T) {
	fa := newTestApp(&fakeService{selection: app.StationStatus{StationID: 690, Pending: true, Attempts: 3, LastError: "503"}})

	resp, body := do(t, fa, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"degraded"`)
	assert.Contains(t, body, `"pending":true`)
	assert.Contains(t, body, `"attempts":3`)
}

func TestState(t *testing.T) {
	svc := &fakeService{}
	fa := newTestApp(svc)

	resp, body := do(t, fa, http.MethodGet, "/api/v1/state", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"error":true`)

	st := weather.NewFusionState(weather.Station{ID: 690})
	st.Version = 3
	svc.state = &st
	resp, body = do(t, fa, http.MethodGet, "/api/v1/state", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got weather.FusionState
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, uint64(3), got.Version)
}

func TestStateStream(t *testing.T) {
	first := weather.NewFusionState(weather.Station{ID: 690})
	first.Version = 1
	second := first
	second.Version = 2
	svc := &fakeService{stream: []weather.FusionState{first, second}}
	fa := newTestApp(svc)

	resp, body := do(t, fa, http.MethodGet, "/api/v1/state/stream", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "id: 1\nevent: state\ndata: {")
	assert.Contains(t, body, "id: 2\nevent: state\n")
	assert.Equal(t, "sub-1", svc.unsubscribe)
}

func TestStationSelection(t *testing.T) {
	svc := &fakeService{}
	fa := newTestApp(svc)

	resp, _ := do(t, fa, http.MethodGet, "/api/v1/station", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, fa, http.MethodPut, "/api/v1/station", `{"stationId":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, fa, http.MethodPut, "/api/v1/station", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, fa, http.MethodPut, "/api/v1/station", `{"stationId":690}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"id":690`)

	resp, _ = do(t, fa, http.MethodGet, "/api/v1/stations", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStationsUpstreamErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"auth":         {&transport.TransportError{Transport: weather.TransportREST, Kind: transport.KindAuth, Status: 401}, http.StatusUnauthorized},
		"rate limited": {&transport.TransportError{Transport: weather.TransportREST, Kind: transport.KindRateLimited, Status: 429}, http.StatusBadGateway},
		"not found":    {&transport.TransportError{Transport: weather.TransportREST, Kind: transport.KindNotFound, Status: 404}, http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			fa := newTestApp(&fakeService{stationsErr: tc.err})
			resp, _ := do(t, fa, http.MethodGet, "/api/v1/stations", "")
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestOverrideRoutes(t *testing.T) {
	svc := &fakeService{}
	fa := newTestApp(svc)

	resp, _ := do(t, fa, http.MethodGet, "/api/v1/overrides", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	svc.station = &weather.Station{ID: 690}
	resp, body := do(t, fa, http.MethodGet, "/api/v1/overrides", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", body)

	resp, _ = do(t, fa, http.MethodPut, "/api/v1/overrides/nonsense", `{"serial":"ST-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, fa, http.MethodPut, "/api/v1/overrides/air_temperature", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, fa, http.MethodPut, "/api/v1/overrides/air_temperature", `{"serial":"HB-1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = do(t, fa, http.MethodPut, "/api/v1/overrides/air_temperature", `{"serial":"ST-1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"serial":"ST-1"`)
	require.Len(t, svc.pins, 1)

	resp, _ = do(t, fa, http.MethodDelete, "/api/v1/overrides/air_temperature", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, svc.pins)
}

func TestTransportRoutes(t *testing.T) {
	svc := &fakeService{udpPort: -1}
	fa := newTestApp(svc)

	resp, body := do(t, fa, http.MethodGet, "/api/v1/transports", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"transport":"udp"`)

	resp, _ = do(t, fa, http.MethodPut, "/api/v1/transports/udp", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, fa, http.MethodPut, "/api/v1/transports/udp", `{"port":70000}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, fa, http.MethodPut, "/api/v1/transports/udp", `{"port":50223}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 50223, svc.udpPort)

	resp, _ = do(t, fa, http.MethodPut, "/api/v1/transports/rest", `{"interval":"5s"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, fa, http.MethodPut, "/api/v1/transports/rest", `{"interval":"2m"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 2*time.Minute, svc.interval)

	resp, _ = do(t, fa, http.MethodPut, "/api/v1/credentials", `{"token":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, fa, http.MethodPut, "/api/v1/credentials", `{"token":" abc "}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "abc", svc.token)
}
