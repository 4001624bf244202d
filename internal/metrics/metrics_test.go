package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-station-fusion/internal/supervisor"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

func TestRecordsEngineAndTransportEvents(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SampleApplied(weather.TransportUDP, weather.SampleObservation, true)
	m.SampleApplied(weather.TransportUDP, weather.SampleObservation, false)
	m.SampleDropped(weather.TransportREST, "unknown_device")
	m.StatePublished(7)
	m.TransportState(weather.TransportWebSocket, supervisor.StateRunning)
	m.TransportError(weather.TransportWebSocket, "auth")
	m.BridgePublished(nil)
	m.BridgePublished(errors.New("broker down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.samples.WithLabelValues("udp", "observation", "changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samples.WithLabelValues("udp", "observation", "unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("rest", "unknown_device")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.stateVersion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportState.WithLabelValues("websocket", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.transportState.WithLabelValues("websocket", "stopped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportErrors.WithLabelValues("websocket", "auth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bridgePublishes.WithLabelValues("error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.StatePublished(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "wsfusion_engine_state_version 3")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SampleApplied(weather.TransportUDP, weather.SampleRapidWind, true)
		m.TransportError(weather.TransportUDP, "network")
		m.BridgePublished(nil)
	})
}
