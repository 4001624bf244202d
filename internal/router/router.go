// Package router decides which physical device supplies each measurement of a
// station.
package router

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

// Override pins one field of one station to a device serial.
type Override struct {
	StationID int           `json:"stationId"`
	Field     weather.Field `json:"field" validate:"required"`
	Serial    string        `json:"serial" validate:"required"`
}

type overrideKey struct {
	station int
	field   weather.Field
}

type warnKey struct {
	station int
	field   weather.Field
	pinned  string
}

// Router resolves field sources. Pins are keyed by (station, field) because a
// serial can play different roles at different stations.
type Router struct {
	mu        sync.RWMutex
	overrides map[overrideKey]string
	seen      map[string]map[weather.Transport]time.Time
	warned    map[warnKey]weather.RoutingFallbackWarning

	localWindow time.Duration
	onFallback  func(weather.RoutingFallbackWarning)
	logger      *slog.Logger
}

// New creates a Router. A device counts as locally reachable when it was heard
// over UDP within localWindow.
func New(logger *slog.Logger, localWindow time.Duration) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		overrides:   make(map[overrideKey]string),
		seen:        make(map[string]map[weather.Transport]time.Time),
		warned:      make(map[warnKey]weather.RoutingFallbackWarning),
		localWindow: localWindow,
		logger:      logger.With("component", "router"),
	}
}

// OnFallback registers the sink for one-shot routing fallback warnings.
func (r *Router) OnFallback(fn func(weather.RoutingFallbackWarning)) {
	r.mu.Lock()
	r.onFallback = fn
	r.mu.Unlock()
}

// Pin sets a per-station, per-field override.
func (r *Router) Pin(o Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[overrideKey{o.StationID, o.Field}] = o.Serial
	r.clearWarnedLocked(o.StationID, o.Field)
}

// Unpin removes an override, returning the field to automatic selection.
func (r *Router) Unpin(stationID int, f weather.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, overrideKey{stationID, f})
	r.clearWarnedLocked(stationID, f)
}

// Overrides returns the pins of one station.
func (r *Router) Overrides(stationID int) []Override {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Override
	for k, serial := range r.overrides {
		if k.station == stationID {
			out = append(out, Override{StationID: k.station, Field: k.field, Serial: serial})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// MarkSeen records that a device delivered data over a transport.
func (r *Router) MarkSeen(serial string, t weather.Transport, at time.Time) {
	if serial == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byTransport, ok := r.seen[serial]
	if !ok {
		byTransport = make(map[weather.Transport]time.Time)
		r.seen[serial] = byTransport
	}
	if at.After(byTransport[t]) {
		byTransport[t] = at
	}
}

// Resolve returns the serial of the device that should supply f at now, or ""
// when no device of the station can. A pinned device missing from the station
// falls back to automatic selection and reports a warning once.
func (r *Router) Resolve(st weather.Station, f weather.Field, now time.Time) string {
	capability, ok := f.Capability()
	if !ok {
		return ""
	}

	r.mu.Lock()
	pinned, hasPin := r.overrides[overrideKey{st.ID, f}]
	if hasPin {
		if d, found := st.DeviceBySerial(pinned); found && d.Can(capability) {
			r.clearWarnedLocked(st.ID, f)
			r.mu.Unlock()
			return pinned
		}
	}

	serial := r.autoLocked(st, capability, now)

	var warning *weather.RoutingFallbackWarning
	if hasPin {
		key := warnKey{st.ID, f, pinned}
		if _, done := r.warned[key]; !done {
			w := weather.RoutingFallbackWarning{
				StationID: st.ID,
				Field:     f,
				Pinned:    pinned,
				Fallback:  serial,
				At:        now,
			}
			r.warned[key] = w
			warning = &w
		}
	}
	sink := r.onFallback
	r.mu.Unlock()

	if warning != nil {
		r.logger.Warn("pinned device unavailable, falling back to auto",
			"station", st.ID, "field", f, "pinned", pinned, "fallback", serial)
		if sink != nil {
			sink(*warning)
		}
	}
	return serial
}

// Fallbacks lists the fallback warnings currently in effect for a station.
func (r *Router) Fallbacks(stationID int) []weather.RoutingFallbackWarning {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []weather.RoutingFallbackWarning
	for k, w := range r.warned {
		if k.station == stationID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

type candidate struct {
	serial string
	index  int
	local  bool
	heard  bool
}

// autoLocked ranks capable devices: heard locally within the window first,
// then heard at all, then station order. Recency is not a key: two capable
// devices reporting a minute apart must not flap.
func (r *Router) autoLocked(st weather.Station, c weather.Capability, now time.Time) string {
	var cands []candidate
	for i, d := range st.Devices {
		if !d.Can(c) {
			continue
		}
		cand := candidate{serial: d.Serial, index: i}
		for t, at := range r.seen[d.Serial] {
			cand.heard = true
			if t == weather.TransportUDP && now.Sub(at) <= r.localWindow {
				cand.local = true
			}
		}
		cands = append(cands, cand)
	}
	if len(cands) == 0 {
		return ""
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.local != b.local {
			return a.local
		}
		if a.heard != b.heard {
			return a.heard
		}
		return a.index < b.index
	})
	return cands[0].serial
}

func (r *Router) clearWarnedLocked(stationID int, f weather.Field) {
	for k := range r.warned {
		if k.station == stationID && k.field == f {
			delete(r.warned, k)
		}
	}
}
