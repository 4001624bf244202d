package weather

import "time"

// SampleKind tells the engine how to merge a sample.
type SampleKind int

const (
	SampleObservation SampleKind = iota
	SampleRapidWind
	SampleLightning
	SampleRainStart
	SampleForecast
	SampleEnrichment
	SampleStation
)

func (k SampleKind) String() string {
	switch k {
	case SampleObservation:
		return "observation"
	case SampleRapidWind:
		return "rapid_wind"
	case SampleLightning:
		return "lightning"
	case SampleRainStart:
		return "rain_start"
	case SampleForecast:
		return "forecast"
	case SampleEnrichment:
		return "enrichment"
	case SampleStation:
		return "station"
	default:
		return "unknown"
	}
}

// Sample is what a transport adapter emits: one decoded unit plus the
// identifiers needed to attribute it. Device identity is either a serial (UDP)
// or a numeric id (cloud transports); the engine resolves the other half from
// the station's device list.
type Sample struct {
	Kind       SampleKind
	Transport  Transport
	Serial     string
	DeviceID   int
	HubSerial  string
	StationID  int
	ReceivedAt time.Time

	Observation *Observation
	Strike      *LightningStrike
	Rain        *RainStart
	Forecast    []ForecastHour
	Enrichment  *Enrichment
	Station     *Station
}

// Timestamp returns the time the sample describes.
func (s Sample) Timestamp() time.Time {
	switch {
	case s.Observation != nil:
		return s.Observation.Timestamp
	case s.Strike != nil:
		return s.Strike.Timestamp
	case s.Rain != nil:
		return s.Rain.Timestamp
	case s.Enrichment != nil:
		return s.Enrichment.Timestamp
	case s.Station != nil:
		return s.Station.FetchedAt
	default:
		return s.ReceivedAt
	}
}

// ObservationSample wraps a decoded observation, classifying it as full or
// rapid-wind.
func ObservationSample(t Transport, obs Observation) Sample {
	kind := SampleObservation
	if obs.IsRapidWind() {
		kind = SampleRapidWind
	}
	return Sample{
		Kind:        kind,
		Transport:   t,
		Serial:      obs.Device,
		DeviceID:    obs.DeviceID,
		Observation: &obs,
	}
}
