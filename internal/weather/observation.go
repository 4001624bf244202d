package weather

import (
	"fmt"
	"time"
)

// Field names one measured quantity. Values are always stored in SI units.
type Field string

const (
	FieldWindLull           Field = "wind_lull"           // m/s
	FieldWindAvg            Field = "wind_avg"            // m/s
	FieldWindGust           Field = "wind_gust"           // m/s
	FieldWindDirection      Field = "wind_direction"      // degrees
	FieldWindSampleInterval Field = "wind_sample_interval" // s
	FieldPressure           Field = "station_pressure"    // Pa
	FieldTemperature        Field = "air_temperature"     // K
	FieldHumidity           Field = "relative_humidity"   // ratio 0-1
	FieldIlluminance        Field = "illuminance"         // lux
	FieldUV                 Field = "uv"                  // index
	FieldSolarRadiation     Field = "solar_radiation"     // W/m2
	FieldRain               Field = "rain_accumulation"   // m
	FieldPrecipType         Field = "precip_type"         // PrecipType code
	FieldLightningDistance  Field = "lightning_distance"  // m
	FieldLightningCount     Field = "lightning_count"     // strikes
	FieldBattery            Field = "battery"             // V
	FieldReportInterval     Field = "report_interval"     // s
)

// fieldCapability maps measurement fields to the capability that supplies them.
// Device-scoped fields are absent.
var fieldCapability = map[Field]Capability{
	FieldWindLull:          CapWind,
	FieldWindAvg:           CapWind,
	FieldWindGust:          CapWind,
	FieldWindDirection:     CapWind,
	FieldPressure:          CapPressure,
	FieldTemperature:       CapTemperature,
	FieldHumidity:          CapHumidity,
	FieldIlluminance:       CapLight,
	FieldUV:                CapLight,
	FieldSolarRadiation:    CapLight,
	FieldRain:              CapRain,
	FieldPrecipType:        CapRain,
	FieldLightningDistance: CapLightning,
	FieldLightningCount:    CapLightning,
}

// MeasurementFields are the fields assembled into the effective observation,
// in display order.
var MeasurementFields = []Field{
	FieldTemperature,
	FieldHumidity,
	FieldPressure,
	FieldWindAvg,
	FieldWindGust,
	FieldWindLull,
	FieldWindDirection,
	FieldRain,
	FieldPrecipType,
	FieldIlluminance,
	FieldUV,
	FieldSolarRadiation,
	FieldLightningDistance,
	FieldLightningCount,
}

// WindFields are the fields carried by a rapid-wind sample.
var WindFields = []Field{FieldWindLull, FieldWindAvg, FieldWindGust, FieldWindDirection}

// Capability returns the capability backing a measurement field.
func (f Field) Capability() (Capability, bool) {
	c, ok := fieldCapability[f]
	return c, ok
}

// IsWind reports whether the field is one of the wind fields.
func (f Field) IsWind() bool {
	c, ok := fieldCapability[f]
	return ok && c == CapWind
}

// ParseField validates a field name coming from an API caller.
func ParseField(s string) (Field, error) {
	f := Field(s)
	if _, ok := fieldCapability[f]; !ok {
		return "", fmt.Errorf("unknown measurement field %q", s)
	}
	return f, nil
}

// Provenance records where a field's current value came from.
type Provenance struct {
	Transport Transport `json:"transport"`
	Device    string    `json:"device"`
	DeviceID  int       `json:"deviceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observation is one device's reading at a point in time. Observations are
// treated as immutable once built: every change goes through a copy.
type Observation struct {
	Timestamp  time.Time            `json:"timestamp"`
	Device     string               `json:"device"`
	DeviceID   int                  `json:"deviceId,omitempty"`
	Values     map[Field]float64    `json:"values"`
	Provenance map[Field]Provenance `json:"provenance"`
}

// NewObservation builds an observation whose every value is attributed to the
// given transport and timestamp.
func NewObservation(ts time.Time, t Transport, serial string, deviceID int, values map[Field]float64) Observation {
	obs := Observation{
		Timestamp:  ts,
		Device:     serial,
		DeviceID:   deviceID,
		Values:     make(map[Field]float64, len(values)),
		Provenance: make(map[Field]Provenance, len(values)),
	}
	for f, v := range values {
		obs.Values[f] = v
		obs.Provenance[f] = Provenance{Transport: t, Device: serial, DeviceID: deviceID, Timestamp: ts}
	}
	return obs
}

// Value returns a field's value if populated.
func (o Observation) Value(f Field) (float64, bool) {
	v, ok := o.Values[f]
	return v, ok
}

// Has reports whether the field is populated.
func (o Observation) Has(f Field) bool {
	_, ok := o.Values[f]
	return ok
}

// PrecipType returns the decoded precipitation type if populated.
func (o Observation) PrecipType() (PrecipType, bool) {
	v, ok := o.Values[FieldPrecipType]
	return PrecipType(int(v)), ok
}

// IsRapidWind reports whether the observation carries wind data but neither
// temperature nor pressure.
func (o Observation) IsRapidWind() bool {
	hasWind := false
	for _, f := range WindFields {
		if o.Has(f) {
			hasWind = true
			break
		}
	}
	return hasWind && !o.Has(FieldTemperature) && !o.Has(FieldPressure)
}

// Transport returns the transport that delivered the observation, taken from
// the provenance of any populated field.
func (o Observation) Transport() Transport {
	for _, p := range o.Provenance {
		return p.Transport
	}
	return ""
}

// Clone returns a deep copy.
func (o Observation) Clone() Observation {
	c := o
	c.Values = make(map[Field]float64, len(o.Values))
	c.Provenance = make(map[Field]Provenance, len(o.Provenance))
	for f, v := range o.Values {
		c.Values[f] = v
	}
	for f, p := range o.Provenance {
		c.Provenance[f] = p
	}
	return c
}

// WithDevice returns a copy attributed to the given serial.
func (o Observation) WithDevice(serial string, deviceID int) Observation {
	c := o.Clone()
	c.Device = serial
	if deviceID != 0 {
		c.DeviceID = deviceID
	}
	for f, p := range c.Provenance {
		p.Device = serial
		if deviceID != 0 {
			p.DeviceID = deviceID
		}
		c.Provenance[f] = p
	}
	return c
}

// Equal reports whether two observations carry the same values and provenance.
func (o Observation) Equal(other Observation) bool {
	if !o.Timestamp.Equal(other.Timestamp) || o.Device != other.Device ||
		len(o.Values) != len(other.Values) || len(o.Provenance) != len(other.Provenance) {
		return false
	}
	for f, v := range o.Values {
		if ov, ok := other.Values[f]; !ok || ov != v {
			return false
		}
	}
	for f, p := range o.Provenance {
		op, ok := other.Provenance[f]
		if !ok || op.Transport != p.Transport || op.Device != p.Device || !op.Timestamp.Equal(p.Timestamp) {
			return false
		}
	}
	return true
}

// Enrichment holds values only the REST station observation carries.
type Enrichment struct {
	Timestamp     time.Time `json:"timestamp"`
	FeelsLike     *float64  `json:"feelsLikeK,omitempty"`
	DewPoint      *float64  `json:"dewPointK,omitempty"`
	HeatIndex     *float64  `json:"heatIndexK,omitempty"`
	WindChill     *float64  `json:"windChillK,omitempty"`
	PressureTrend string    `json:"pressureTrend,omitempty"`
}

// ForecastHour is one hourly forecast entry in SI units.
type ForecastHour struct {
	Time       time.Time         `json:"time"`
	Conditions string            `json:"conditions,omitempty"`
	Values     map[Field]float64 `json:"values"`
}

// Covers reports whether t falls inside the forecast hour.
func (h ForecastHour) Covers(t time.Time) bool {
	return !t.Before(h.Time) && t.Before(h.Time.Add(time.Hour))
}

// LightningStrike is a single strike event.
type LightningStrike struct {
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Distance  float64   `json:"distanceM"`
	Energy    float64   `json:"energy"`
	Transport Transport `json:"transport"`
}

// RainStart marks the onset of rain detected by a device.
type RainStart struct {
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Transport Transport `json:"transport"`
}

// DeviceStatus is a hub or device health report received over UDP.
type DeviceStatus struct {
	Serial       string    `json:"serial"`
	HubSerial    string    `json:"hubSerial,omitempty"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Uptime       int64     `json:"uptimeS"`
	RSSI         int       `json:"rssi"`
	Voltage      float64   `json:"voltage,omitempty"`
	Firmware     string    `json:"firmware,omitempty"`
	SensorStatus int       `json:"sensorStatus,omitempty"`
}
