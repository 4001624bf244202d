package weather

import (
	"strconv"
	"time"
)

// DeviceType is the vendor hardware family of a device.
type DeviceType string

const (
	DeviceTempest DeviceType = "ST"
	DeviceAir     DeviceType = "AR"
	DeviceSky     DeviceType = "SK"
	DeviceHub     DeviceType = "HB"
)

// Capability is a kind of measurement a device can supply.
type Capability string

const (
	CapTemperature Capability = "temperature"
	CapHumidity    Capability = "humidity"
	CapPressure    Capability = "pressure"
	CapWind        Capability = "wind"
	CapRain        Capability = "rain"
	CapLight       Capability = "light"
	CapLightning   Capability = "lightning"
)

var capabilitiesByType = map[DeviceType][]Capability{
	DeviceTempest: {CapTemperature, CapHumidity, CapPressure, CapWind, CapRain, CapLight, CapLightning},
	DeviceAir:     {CapTemperature, CapHumidity, CapPressure, CapLightning},
	DeviceSky:     {CapWind, CapRain, CapLight},
	DeviceHub:     nil,
}

// Device is a physical unit owned by a station. Serial is the identity shared by
// every transport; ID is the numeric id used by the cloud APIs.
type Device struct {
	ID     int        `json:"id"`
	Serial string     `json:"serial"`
	Type   DeviceType `json:"type"`
}

// Capabilities returns the measurement kinds the device type supplies.
func (d Device) Capabilities() []Capability {
	return capabilitiesByType[d.Type]
}

// Can reports whether the device supplies the capability.
func (d Device) Can(c Capability) bool {
	for _, have := range capabilitiesByType[d.Type] {
		if have == c {
			return true
		}
	}
	return false
}

// Station is an immutable snapshot of a station's metadata as returned by the
// REST station endpoints.
type Station struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Elevation float64   `json:"elevationM"`
	Timezone  string    `json:"timezone"`
	Devices   []Device  `json:"devices"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Key returns a canonical string key for indexing this station.
func (s Station) Key() string {
	return strconv.Itoa(s.ID)
}

// DeviceBySerial looks a device up by serial number.
func (s Station) DeviceBySerial(serial string) (Device, bool) {
	for _, d := range s.Devices {
		if d.Serial == serial {
			return d, true
		}
	}
	return Device{}, false
}

// DeviceByID looks a device up by its numeric cloud id.
func (s Station) DeviceByID(id int) (Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// SensorDevices returns every device except hubs.
func (s Station) SensorDevices() []Device {
	out := make([]Device, 0, len(s.Devices))
	for _, d := range s.Devices {
		if d.Type != DeviceHub {
			out = append(out, d)
		}
	}
	return out
}

// Transport identifies the channel a value arrived on.
type Transport string

const (
	TransportREST      Transport = "rest"
	TransportWebSocket Transport = "websocket"
	TransportUDP       Transport = "udp"
)

// Transports lists every transport in start order.
var Transports = []Transport{TransportUDP, TransportWebSocket, TransportREST}

// Priority ranks transports by latency; higher wins ties between samples that
// carry the same timestamp.
func (t Transport) Priority() int {
	switch t {
	case TransportUDP:
		return 3
	case TransportWebSocket:
		return 2
	case TransportREST:
		return 1
	default:
		return 0
	}
}

// Source is the provenance tag shown next to an effective value.
type Source string

const (
	SourceLocalBroadcast   Source = "local-broadcast"
	SourceCloudLive        Source = "cloud-live"
	SourceCloudPoll        Source = "cloud-poll"
	SourceForecastFallback Source = "forecast-fallback"
	SourceNone             Source = "none"
)

// SourceOf maps a transport to its provenance tag.
func SourceOf(t Transport) Source {
	switch t {
	case TransportUDP:
		return SourceLocalBroadcast
	case TransportWebSocket:
		return SourceCloudLive
	case TransportREST:
		return SourceCloudPoll
	default:
		return SourceNone
	}
}

// PrecipType is the vendor precipitation classification.
type PrecipType int

const (
	PrecipNone PrecipType = iota
	PrecipRain
	PrecipHail
	PrecipRainHail
)

func (p PrecipType) String() string {
	switch p {
	case PrecipNone:
		return "none"
	case PrecipRain:
		return "rain"
	case PrecipHail:
		return "hail"
	case PrecipRainHail:
		return "rain+hail"
	default:
		return "unknown"
	}
}
