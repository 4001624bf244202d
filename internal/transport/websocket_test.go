package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

const wsObs = `{"type":"obs_st","device_id":1110,"obs":[[1588948614,0.18,0.22,0.27,144,6,1013.25,20.0,55,328,0.03,3,0.5,1,12,2,2.410,1]]}`
const wsRapid = `{"type":"rapid_wind","device_id":1110,"ob":[1588948617,7,180]}`

type wsServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []listenRequest
	conns    int
}

func newWSServer(t *testing.T, token string, onConn func(conn *websocket.Conn, n int)) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns++
		n := s.conns
		s.mu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_opened"}`))
		for i := 0; i < 2; i++ {
			var req listenRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			s.mu.Lock()
			s.requests = append(s.requests, req)
			s.mu.Unlock()
		}
		onConn(conn, n)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func testStation() weather.Station {
	return weather.Station{ID: 690, Devices: []weather.Device{
		{ID: 1000, Serial: "HB-1", Type: weather.DeviceHub},
		{ID: 1110, Serial: "ST-1", Type: weather.DeviceTempest},
	}}
}

func TestWebSocketSubscribesAndEmits(t *testing.T) {
	srv := newWSServer(t, "secret", func(conn *websocket.Conn, _ int) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(wsObs))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(wsRapid))
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	})

	ws := NewWebSocketStream(srv.url(), "secret", time.Second, nil)
	ws.SetStation(testStation())
	sink := newSampleSink()
	rep := &recordingReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Run(ctx, sink.emit, rep) }()

	got := make([]weather.Sample, 0, 2)
	for len(got) < 2 {
		select {
		case s := <-sink.ch:
			got = append(got, s)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for samples")
		}
	}
	assert.Equal(t, weather.SampleObservation, got[0].Kind)
	assert.Equal(t, weather.SampleRapidWind, got[1].Kind)
	assert.Equal(t, 1110, got[1].DeviceID)
	assert.Equal(t, ConnConnected, ws.State())

	srv.mu.Lock()
	require.Len(t, srv.requests, 2)
	assert.Equal(t, "listen_start", srv.requests[0].Type)
	assert.Equal(t, "listen_rapid_start", srv.requests[1].Type)
	assert.Equal(t, 1110, srv.requests[0].DeviceID)
	assert.NotEmpty(t, srv.requests[0].ID)
	assert.NotEqual(t, srv.requests[0].ID, srv.requests[1].ID)
	srv.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}
	assert.Equal(t, ConnDisconnected, ws.State())
}

func TestWebSocketReconnectsAndResubscribes(t *testing.T) {
	srv := newWSServer(t, "secret", func(conn *websocket.Conn, n int) {
		if n == 1 {
			// Drop the first connection right after subscribing.
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(wsObs))
		_, _, _ = conn.ReadMessage()
	})

	ws := NewWebSocketStream(srv.url(), "secret", 50*time.Millisecond, nil)
	ws.SetStation(testStation())
	sink := newSampleSink()
	rep := &recordingReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ws.Run(ctx, sink.emit, rep) }()

	select {
	case s := <-sink.ch:
		assert.Equal(t, weather.SampleObservation, s.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no sample after reconnect")
	}

	srv.mu.Lock()
	assert.Equal(t, 2, srv.conns)
	assert.Len(t, srv.requests, 4)
	srv.mu.Unlock()

	rep.mu.Lock()
	assert.Contains(t, rep.states, ConnConnecting)
	assert.NotEmpty(t, rep.failures)
	rep.mu.Unlock()
}

func TestWebSocketAuthFailureEndsRun(t *testing.T) {
	srv := newWSServer(t, "secret", func(*websocket.Conn, int) {})

	ws := NewWebSocketStream(srv.url(), "wrong", time.Second, nil)
	ws.SetStation(testStation())

	errCh := make(chan error, 1)
	go func() { errCh <- ws.Run(context.Background(), newSampleSink().emit, nil) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsAuth(err))
		assert.NotContains(t, err.Error(), "wrong")
	case <-time.After(3 * time.Second):
		t.Fatal("auth failure did not end Run")
	}
}

func TestWebSocketNeedsDevices(t *testing.T) {
	ws := NewWebSocketStream("ws://127.0.0.1:1", "t", time.Second, nil)
	assert.ErrorIs(t, ws.Run(context.Background(), newSampleSink().emit, nil), errNoStation)
}
