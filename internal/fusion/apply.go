// Package fusion merges samples from every transport into one per-station
// state with per-field provenance.
package fusion

import (
	"time"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

// DefaultStaleAfter is the age past which an effective value is flagged stale.
const DefaultStaleAfter = 5 * time.Minute

// Resolver picks the device that supplies a field.
type Resolver interface {
	Resolve(st weather.Station, f weather.Field, now time.Time) string
	Fallbacks(stationID int) []weather.RoutingFallbackWarning
}

// Fuser holds the merge rules. Apply and Refresh never block and never touch
// I/O; they are only called from the engine goroutine.
type Fuser struct {
	resolver   Resolver
	staleAfter time.Duration
}

// NewFuser creates a Fuser.
func NewFuser(resolver Resolver, staleAfter time.Duration) *Fuser {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Fuser{resolver: resolver, staleAfter: staleAfter}
}

// Normalize fills in whichever half of the device identity the transport did
// not carry. It reports false for samples that do not belong to the station.
func Normalize(st weather.Station, s weather.Sample) (weather.Sample, bool) {
	switch s.Kind {
	case weather.SampleForecast, weather.SampleEnrichment, weather.SampleStation:
		return s, s.StationID == 0 || s.StationID == st.ID
	}

	var (
		d  weather.Device
		ok bool
	)
	if s.Serial != "" {
		d, ok = st.DeviceBySerial(s.Serial)
	} else if s.DeviceID != 0 {
		d, ok = st.DeviceByID(s.DeviceID)
	}
	if !ok {
		return s, false
	}
	s.Serial, s.DeviceID = d.Serial, d.ID

	if s.Observation != nil {
		obs := s.Observation.WithDevice(d.Serial, d.ID)
		s.Observation = &obs
	}
	if s.Strike != nil {
		strike := *s.Strike
		strike.Device = d.Serial
		s.Strike = &strike
	}
	if s.Rain != nil {
		rain := *s.Rain
		rain.Device = d.Serial
		s.Rain = &rain
	}
	return s, true
}

// Apply merges one sample into prev and reports whether anything changed.
// prev is never modified; an unchanged result is prev itself.
func (f *Fuser) Apply(prev weather.FusionState, s weather.Sample, now time.Time) (weather.FusionState, bool) {
	s, ok := Normalize(prev.Station, s)
	if !ok {
		return prev, false
	}

	next := prev
	changed := false

	switch s.Kind {
	case weather.SampleObservation, weather.SampleRapidWind:
		if s.Observation == nil {
			return prev, false
		}
		stored, has := prev.Devices[s.Serial]
		merged, ok := merge(stored, has, *s.Observation, s.Kind == weather.SampleRapidWind)
		if ok {
			next.Devices = copyDevices(prev.Devices)
			next.Devices[s.Serial] = merged
			changed = true
		}

	case weather.SampleLightning:
		if s.Strike != nil && (prev.LastStrike == nil || supersedes(s.Strike.Timestamp, s.Strike.Transport, prev.LastStrike.Timestamp, prev.LastStrike.Transport)) &&
			(prev.LastStrike == nil || *prev.LastStrike != *s.Strike) {
			next.LastStrike = s.Strike
			changed = true
		}

	case weather.SampleRainStart:
		if s.Rain != nil && (prev.LastRainStart == nil || supersedes(s.Rain.Timestamp, s.Rain.Transport, prev.LastRainStart.Timestamp, prev.LastRainStart.Transport)) &&
			(prev.LastRainStart == nil || *prev.LastRainStart != *s.Rain) {
			next.LastRainStart = s.Rain
			changed = true
		}

	case weather.SampleEnrichment:
		if s.Enrichment != nil && (prev.Enrichment == nil || s.Enrichment.Timestamp.After(prev.Enrichment.Timestamp)) {
			next.Enrichment = s.Enrichment
			changed = true
		}

	case weather.SampleForecast:
		if len(s.Forecast) > 0 && !forecastEqual(prev.Forecast, s.Forecast) {
			next.Forecast = s.Forecast
			changed = true
		}

	case weather.SampleStation:
		if s.Station != nil && s.Station.ID == prev.Station.ID && !sameDevices(prev.Station.Devices, s.Station.Devices) {
			next.Station = *s.Station
			next.Devices = pruneDevices(prev.Devices, *s.Station)
			changed = true
		}
	}

	if !changed {
		return prev, false
	}
	f.assemble(&next, now)
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return next, true
}

// Refresh re-evaluates staleness, routing and forecast fallback against now.
func (f *Fuser) Refresh(prev weather.FusionState, now time.Time) (weather.FusionState, bool) {
	next := prev
	f.assemble(&next, now)
	if effectiveEqual(prev.Effective, next.Effective) && warningsEqual(prev.Warnings, next.Warnings) {
		return prev, false
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return next, true
}

// merge overlays the sample's fields onto the stored observation. A field is
// taken only when its sample is newer than what is stored for that field, or
// equally old from a lower-latency transport. Full observations keep the newest
// timestamp; rapid-wind merges adopt the rapid-wind timestamp once a wind field
// was taken.
func merge(stored weather.Observation, has bool, in weather.Observation, rapid bool) (weather.Observation, bool) {
	if !has {
		return in, len(in.Values) > 0
	}

	out := stored.Clone()
	accepted, windAccepted := false, false
	for field, v := range in.Values {
		p := in.Provenance[field]
		if old, ok := stored.Provenance[field]; ok {
			if !supersedes(p.Timestamp, p.Transport, old.Timestamp, old.Transport) {
				continue
			}
			if old == p && stored.Values[field] == v {
				continue
			}
		}
		out.Values[field] = v
		out.Provenance[field] = p
		accepted = true
		windAccepted = windAccepted || field.IsWind()
	}
	if !accepted {
		return stored, false
	}

	if (rapid && windAccepted) || in.Timestamp.After(out.Timestamp) {
		out.Timestamp = in.Timestamp
	}
	if in.DeviceID != 0 {
		out.DeviceID = in.DeviceID
	}
	return out, true
}

func supersedes(ts time.Time, t weather.Transport, oldTS time.Time, oldT weather.Transport) bool {
	if ts.After(oldTS) {
		return true
	}
	return ts.Equal(oldTS) && t.Priority() >= oldT.Priority()
}

// assemble rebuilds the effective observation and the warning list.
func (f *Fuser) assemble(s *weather.FusionState, now time.Time) {
	effective := make(map[weather.Field]weather.FieldValue, len(weather.MeasurementFields))
	var warnings []weather.Warning

	for _, field := range weather.MeasurementFields {
		if serial := f.resolver.Resolve(s.Station, field, now); serial != "" {
			if obs, ok := s.Devices[serial]; ok {
				if v, ok := obs.Values[field]; ok {
					p := obs.Provenance[field]
					fv := weather.FieldValue{Value: v, Source: weather.SourceOf(p.Transport), Provenance: p}
					if age := now.Sub(p.Timestamp); age > f.staleAfter {
						fv.Stale = true
						warnings = append(warnings, weather.StaleDataWarning{
							Field: field, Device: serial, Age: age, At: p.Timestamp,
						}.Warning())
					}
					effective[field] = fv
					continue
				}
			}
		}

		if hour, ok := s.ForecastAt(now); ok {
			if v, ok := hour.Values[field]; ok {
				effective[field] = weather.FieldValue{
					Value:      v,
					Source:     weather.SourceForecastFallback,
					Provenance: weather.Provenance{Transport: weather.TransportREST, Timestamp: hour.Time},
				}
			}
		}
	}

	for _, w := range f.resolver.Fallbacks(s.Station.ID) {
		warnings = append(warnings, w.Warning())
	}

	s.Effective = effective
	s.Warnings = warnings
}

func copyDevices(in map[string]weather.Observation) map[string]weather.Observation {
	out := make(map[string]weather.Observation, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func pruneDevices(in map[string]weather.Observation, st weather.Station) map[string]weather.Observation {
	out := make(map[string]weather.Observation, len(in))
	for serial, obs := range in {
		if _, ok := st.DeviceBySerial(serial); ok {
			out[serial] = obs
		}
	}
	return out
}

func sameDevices(a, b []weather.Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func forecastEqual(a, b []weather.ForecastHour) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Time.Equal(b[i].Time) || a[i].Conditions != b[i].Conditions || len(a[i].Values) != len(b[i].Values) {
			return false
		}
		for k, v := range a[i].Values {
			if b[i].Values[k] != v {
				return false
			}
		}
	}
	return true
}

func effectiveEqual(a, b map[weather.Field]weather.FieldValue) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || v.Value != w.Value || v.Source != w.Source || v.Stale != w.Stale ||
			v.Provenance.Transport != w.Provenance.Transport || v.Provenance.Device != w.Provenance.Device ||
			!v.Provenance.Timestamp.Equal(w.Provenance.Timestamp) {
			return false
		}
	}
	return true
}

// warningsEqual compares kinds, fields and devices; ages keep growing and do
// not count as a change.
func warningsEqual(a, b []weather.Warning) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Field != b[i].Field || a[i].Device != b[i].Device {
			return false
		}
	}
	return true
}
