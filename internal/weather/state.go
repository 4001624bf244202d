package weather

import (
	"fmt"
	"time"
)

// FieldValue is one effective value with its attribution.
type FieldValue struct {
	Value      float64    `json:"value"`
	Source     Source     `json:"source"`
	Provenance Provenance `json:"provenance"`
	Stale      bool       `json:"stale"`
}

// WarningKind classifies non-fatal conditions surfaced alongside the state.
type WarningKind string

const (
	WarningStaleData       WarningKind = "stale_data"
	WarningRoutingFallback WarningKind = "routing_fallback"
)

// Warning is a non-fatal condition attached to a snapshot.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Field   Field       `json:"field"`
	Device  string      `json:"device,omitempty"`
	Since   time.Time   `json:"since"`
	Message string      `json:"message"`
}

// StaleDataWarning reports a field whose backing sample exceeded the
// freshness threshold.
type StaleDataWarning struct {
	Field  Field
	Device string
	Age    time.Duration
	At     time.Time
}

func (w StaleDataWarning) Error() string {
	return fmt.Sprintf("%s from %s is stale (%s old)", w.Field, w.Device, w.Age.Truncate(time.Second))
}

// Warning converts to the snapshot representation.
func (w StaleDataWarning) Warning() Warning {
	return Warning{Kind: WarningStaleData, Field: w.Field, Device: w.Device, Since: w.At, Message: w.Error()}
}

// RoutingFallbackWarning reports a pinned device that vanished from the
// station's device list.
type RoutingFallbackWarning struct {
	StationID int
	Field     Field
	Pinned    string
	Fallback  string
	At        time.Time
}

func (w RoutingFallbackWarning) Error() string {
	return fmt.Sprintf("station %d: pinned device %s for %s is gone, using %s", w.StationID, w.Pinned, w.Field, w.Fallback)
}

// Warning converts to the snapshot representation.
func (w RoutingFallbackWarning) Warning() Warning {
	return Warning{Kind: WarningRoutingFallback, Field: w.Field, Device: w.Pinned, Since: w.At, Message: w.Error()}
}

// FusionState is the per-station aggregate. Snapshots handed to subscribers
// share maps with the engine's copy-on-write state and must not be mutated.
type FusionState struct {
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Station   Station   `json:"station"`

	Devices    map[string]Observation `json:"devices"`
	Effective  map[Field]FieldValue   `json:"effective"`
	Enrichment *Enrichment            `json:"enrichment,omitempty"`
	Forecast   []ForecastHour         `json:"forecast,omitempty"`

	LastStrike    *LightningStrike `json:"lastStrike,omitempty"`
	LastRainStart *RainStart       `json:"lastRainStart,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// NewFusionState creates the empty state for a freshly selected station.
func NewFusionState(st Station) FusionState {
	return FusionState{
		Station:   st,
		Devices:   map[string]Observation{},
		Effective: map[Field]FieldValue{},
	}
}

// Field returns the effective value for a field.
func (s FusionState) Field(f Field) (FieldValue, bool) {
	v, ok := s.Effective[f]
	return v, ok
}

// ForecastAt returns the forecast hour covering t.
func (s FusionState) ForecastAt(t time.Time) (ForecastHour, bool) {
	for _, h := range s.Forecast {
		if h.Covers(t) {
			return h, true
		}
	}
	return ForecastHour{}, false
}

// SourceOf returns the provenance tag of a field, SourceNone when no device or
// forecast supplies it.
func (s FusionState) SourceOf(f Field) Source {
	if v, ok := s.Effective[f]; ok {
		return v.Source
	}
	return SourceNone
}
