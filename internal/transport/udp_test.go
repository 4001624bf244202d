package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

const udpObs = `{"serial_number":"ST-1","type":"obs_st","hub_sn":"HB-1",
"obs":[[1588948614,0.18,0.22,0.27,144,6,1013.25,20.0,55,328,0.03,3,0.5,1,12,2,2.410,1]],"firmware_revision":129}`

const udpHub = `{"serial_number":"HB-1","type":"hub_status","firmware_revision":"35","uptime":1670133,"rssi":-62,"timestamp":1495724691}`

func startUDP(t *testing.T) (*UDPListener, *sampleSink, *recordingReporter, context.CancelFunc, chan error) {
	t.Helper()
	l := NewUDPListener(0, nil)
	sink := newSampleSink()
	rep := &recordingReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, sink.emit, rep) }()

	require.Eventually(t, l.Listening, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(cancel)
	return l, sink, rep, cancel, done
}

func send(t *testing.T, addr *net.UDPAddr, payload string) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: addr.Port})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestUDPEmitsObservations(t *testing.T) {
	l, sink, _, _, _ := startUDP(t)

	send(t, l.Addr(), udpObs)
	select {
	case s := <-sink.ch:
		assert.Equal(t, weather.SampleObservation, s.Kind)
		assert.Equal(t, "ST-1", s.Serial)
		assert.Equal(t, weather.TransportUDP, s.Transport)
		assert.False(t, s.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no sample received")
	}
	assert.False(t, l.LastMessage().IsZero())
}

func TestUDPStatusGoesToReporter(t *testing.T) {
	l, sink, rep, _, _ := startUDP(t)

	send(t, l.Addr(), udpHub)
	send(t, l.Addr(), `not json`)
	send(t, l.Addr(), udpObs)

	select {
	case <-sink.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no sample received")
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.statuses, 1)
	assert.Equal(t, "HB-1", rep.statuses[0].Serial)
	assert.Len(t, rep.failures, 1)
	assert.Len(t, sink.all(), 1)
}

func TestUDPStopReleasesPort(t *testing.T) {
	l, _, _, cancel, done := startUDP(t)
	port := l.Addr().Port

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.False(t, l.Listening())

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestUDPBindFailure(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer busy.Close()

	l := NewUDPListener(busy.LocalAddr().(*net.UDPAddr).Port, nil)
	err = l.Run(context.Background(), newSampleSink().emit, nil)
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestUDPSetPortValidates(t *testing.T) {
	l := NewUDPListener(DefaultUDPPort, nil)
	assert.Error(t, l.SetPort(70000))
	require.NoError(t, l.SetPort(50223))
	assert.Equal(t, 50223, l.Port())
}
