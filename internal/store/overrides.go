package store

import (
	"context"
	"sort"
	"sync"

	"github.com/i474232898/weather-station-fusion/internal/router"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

// OverrideStore persists routing overrides across restarts.
type OverrideStore interface {
	LoadOverrides(ctx context.Context) ([]router.Override, error)
	SaveOverride(ctx context.Context, o router.Override) error
	DeleteOverride(ctx context.Context, stationID int, f weather.Field) error
	Close() error
}

type overrideKey struct {
	station int
	field   weather.Field
}

// MemoryOverrides keeps overrides for the lifetime of the process.
type MemoryOverrides struct {
	mu   sync.RWMutex
	data map[overrideKey]string
}

// NewMemoryOverrides creates an empty in-memory override store.
func NewMemoryOverrides() *MemoryOverrides {
	return &MemoryOverrides{data: make(map[overrideKey]string)}
}

func (m *MemoryOverrides) LoadOverrides(context.Context) ([]router.Override, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]router.Override, 0, len(m.data))
	for k, serial := range m.data {
		out = append(out, router.Override{StationID: k.station, Field: k.field, Serial: serial})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].Field < out[j].Field
	})
	return out, nil
}

func (m *MemoryOverrides) SaveOverride(_ context.Context, o router.Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[overrideKey{o.StationID, o.Field}] = o.Serial
	return nil
}

func (m *MemoryOverrides) DeleteOverride(_ context.Context, stationID int, f weather.Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, overrideKey{stationID, f})
	return nil
}

func (m *MemoryOverrides) Close() error { return nil }
