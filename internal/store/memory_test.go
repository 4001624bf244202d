package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-station-fusion/internal/router"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

func state(version uint64) weather.FusionState {
	s := weather.NewFusionState(weather.Station{ID: 690})
	s.Version = version
	return s
}

func TestLatestBeforePublish(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Latest()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishLatestWins(t *testing.T) {
	s := NewMemoryStore()
	sub := s.Subscribe()

	for v := uint64(1); v <= 5; v++ {
		s.Publish(state(v))
	}

	got := <-sub.C
	assert.Equal(t, uint64(5), got.Version)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected extra state %d", extra.Version)
	default:
	}

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), latest.Version)
}

func TestPublishIgnoresOlderVersion(t *testing.T) {
	s := NewMemoryStore()
	s.Publish(state(3))
	s.Publish(state(2))

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Version)
}

func TestSubscribeDeliversCurrent(t *testing.T) {
	s := NewMemoryStore()
	s.Publish(state(7))

	sub := s.Subscribe()
	got := <-sub.C
	assert.Equal(t, uint64(7), got.Version)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := NewMemoryStore()
	sub := s.Subscribe()
	require.Equal(t, 1, s.Subscribers())

	s.Unsubscribe(sub.ID)
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, s.Subscribers())

	// Publishing after unsubscribe must not panic on the closed channel.
	s.Publish(state(1))
	s.Unsubscribe(sub.ID)
}

func TestOverrideStores(t *testing.T) {
	ctx := context.Background()
	sqlite, err := OpenSQLiteOverrides(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	stores := map[string]OverrideStore{
		"memory": NewMemoryOverrides(),
		"sqlite": sqlite,
	}
	for name, ovr := range stores {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, ovr.SaveOverride(ctx, router.Override{StationID: 2, Field: weather.FieldTemperature, Serial: "AR-2"}))
			require.NoError(t, ovr.SaveOverride(ctx, router.Override{StationID: 1, Field: weather.FieldWindAvg, Serial: "SK-1"}))
			require.NoError(t, ovr.SaveOverride(ctx, router.Override{StationID: 1, Field: weather.FieldWindAvg, Serial: "ST-1"}))

			got, err := ovr.LoadOverrides(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, router.Override{StationID: 1, Field: weather.FieldWindAvg, Serial: "ST-1"}, got[0])
			assert.Equal(t, 2, got[1].StationID)

			require.NoError(t, ovr.DeleteOverride(ctx, 2, weather.FieldTemperature))
			got, err = ovr.LoadOverrides(ctx)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}
