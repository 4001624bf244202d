package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

func testStation() weather.Station {
	return weather.Station{
		ID: 690,
		Devices: []weather.Device{
			{ID: 1, Serial: "HB-1", Type: weather.DeviceHub},
			{ID: 2, Serial: "AR-1", Type: weather.DeviceAir},
			{ID: 3, Serial: "ST-1", Type: weather.DeviceTempest},
		},
	}
}

func TestResolveAutoPrefersLocal(t *testing.T) {
	r := New(nil, 10*time.Minute)
	st := testStation()
	now := time.Now()

	// Nothing heard yet: station order wins.
	assert.Equal(t, "AR-1", r.Resolve(st, weather.FieldTemperature, now))

	r.MarkSeen("AR-1", weather.TransportWebSocket, now)
	r.MarkSeen("ST-1", weather.TransportUDP, now)
	assert.Equal(t, "ST-1", r.Resolve(st, weather.FieldTemperature, now))

	// Only the Tempest can measure wind.
	assert.Equal(t, "ST-1", r.Resolve(st, weather.FieldWindAvg, now))
}

func TestResolveLocalWindowExpires(t *testing.T) {
	r := New(nil, time.Minute)
	st := testStation()
	now := time.Now()
	r.MarkSeen("ST-1", weather.TransportUDP, now.Add(-5*time.Minute))
	r.MarkSeen("AR-1", weather.TransportUDP, now)

	assert.Equal(t, "AR-1", r.Resolve(st, weather.FieldTemperature, now))
}

func TestResolveNoCapableDevice(t *testing.T) {
	r := New(nil, time.Minute)
	st := weather.Station{ID: 1, Devices: []weather.Device{{Serial: "AR-1", Type: weather.DeviceAir}}}
	now := time.Now()
	assert.Equal(t, "", r.Resolve(st, weather.FieldWindAvg, now))
	assert.Equal(t, "", r.Resolve(st, weather.FieldBattery, now))
}

func TestResolvePinnedWins(t *testing.T) {
	r := New(nil, 10*time.Minute)
	st := testStation()
	now := time.Now()
	r.MarkSeen("ST-1", weather.TransportUDP, now)

	r.Pin(Override{StationID: st.ID, Field: weather.FieldTemperature, Serial: "AR-1"})
	assert.Equal(t, "AR-1", r.Resolve(st, weather.FieldTemperature, now))
	assert.Equal(t, "ST-1", r.Resolve(st, weather.FieldHumidity, now))

	// Pins are per station.
	other := testStation()
	other.ID = 691
	assert.Equal(t, "ST-1", r.Resolve(other, weather.FieldTemperature, now))

	r.Unpin(st.ID, weather.FieldTemperature)
	assert.Equal(t, "ST-1", r.Resolve(st, weather.FieldTemperature, now))
}

func TestResolveFallbackWarnsOnce(t *testing.T) {
	r := New(nil, 10*time.Minute)
	var warnings []weather.RoutingFallbackWarning
	r.OnFallback(func(w weather.RoutingFallbackWarning) { warnings = append(warnings, w) })

	st := testStation()
	now := time.Now()
	r.Pin(Override{StationID: st.ID, Field: weather.FieldTemperature, Serial: "AR-1"})
	require.Equal(t, "AR-1", r.Resolve(st, weather.FieldTemperature, now))

	// The Air disappears from the refreshed device list.
	refreshed := st
	refreshed.Devices = []weather.Device{st.Devices[0], st.Devices[2]}

	for i := 0; i < 3; i++ {
		assert.Equal(t, "ST-1", r.Resolve(refreshed, weather.FieldTemperature, now))
	}
	require.Len(t, warnings, 1)
	assert.Equal(t, "AR-1", warnings[0].Pinned)
	assert.Equal(t, "ST-1", warnings[0].Fallback)
	assert.Equal(t, weather.FieldTemperature, warnings[0].Field)
	assert.Equal(t, now, warnings[0].At)
	assert.Len(t, r.Fallbacks(st.ID), 1)

	// The override itself is kept.
	assert.Len(t, r.Overrides(st.ID), 1)

	// Device comes back: the pin applies again and the warning clears.
	assert.Equal(t, "AR-1", r.Resolve(st, weather.FieldTemperature, now))
	assert.Empty(t, r.Fallbacks(st.ID))
}

func TestOverridesListing(t *testing.T) {
	r := New(nil, time.Minute)
	r.Pin(Override{StationID: 1, Field: weather.FieldWindAvg, Serial: "ST-1"})
	r.Pin(Override{StationID: 1, Field: weather.FieldHumidity, Serial: "AR-1"})
	r.Pin(Override{StationID: 2, Field: weather.FieldHumidity, Serial: "AR-9"})

	got := r.Overrides(1)
	require.Len(t, got, 2)
	assert.Equal(t, weather.FieldHumidity, got[0].Field)
	assert.Equal(t, weather.FieldWindAvg, got[1].Field)
}

func TestResolveLocalityFollowsCallerClock(t *testing.T) {
	r := New(nil, time.Minute)
	st := testStation()
	heard := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.MarkSeen("ST-1", weather.TransportUDP, heard)
	r.MarkSeen("AR-1", weather.TransportWebSocket, heard)

	// Same inputs, same answer, regardless of the wall clock.
	assert.Equal(t, "ST-1", r.Resolve(st, weather.FieldTemperature, heard.Add(30*time.Second)))
	assert.Equal(t, "ST-1", r.Resolve(st, weather.FieldTemperature, heard.Add(30*time.Second)))

	// Past the window both are merely heard: station order decides.
	assert.Equal(t, "AR-1", r.Resolve(st, weather.FieldTemperature, heard.Add(2*time.Minute)))
}
