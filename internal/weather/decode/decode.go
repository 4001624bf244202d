// Package decode turns the vendor's wire payloads into canonical observations.
// Every unit conversion in the system happens here, once.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

// ErrMalformed is wrapped by every DecodeError.
var ErrMalformed = errors.New("malformed payload")

// DecodeError reports a payload that was dropped whole.
type DecodeError struct {
	Transport weather.Transport
	Type      string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s", e.Transport)
	if e.Type != "" {
		msg += " " + e.Type
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

func malformed(t weather.Transport, typ, reason string, err error) *DecodeError {
	return &DecodeError{Transport: t, Type: typ, Reason: reason, Err: err}
}

// Message is one decoded payload. Measurement payloads fill Samples; hub and
// device health reports fill Status; control messages fill neither.
type Message struct {
	Type    string
	Samples []weather.Sample
	Status  *weather.DeviceStatus
}

// envelope covers the object-keyed wrapper shared by UDP datagrams, WebSocket
// frames and REST device observation responses.
type envelope struct {
	Type         string            `json:"type"`
	SerialNumber string            `json:"serial_number"`
	HubSN        string            `json:"hub_sn"`
	DeviceID     int               `json:"device_id"`
	Obs          []json.RawMessage `json:"obs"`
	Ob           json.RawMessage   `json:"ob"`
	Evt          json.RawMessage   `json:"evt"`

	Timestamp        int64           `json:"timestamp"`
	Uptime           int64           `json:"uptime"`
	RSSI             int             `json:"rssi"`
	Voltage          float64         `json:"voltage"`
	FirmwareRevision json.RawMessage `json:"firmware_revision"`
	SensorStatus     int             `json:"sensor_status"`
}

// controlTypes carry no measurements and are accepted silently.
var controlTypes = map[string]bool{
	"ack":                 true,
	"connection_opened":   true,
	"light_debug":         true,
	"evt_station_online":  true,
	"evt_station_offline": true,
	"evt_device_online":   true,
	"evt_device_offline":  true,
}

// Decode parses one payload from the given transport. UDP datagrams identify
// devices by serial; WebSocket frames and REST responses by numeric id.
func Decode(t weather.Transport, raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, malformed(t, "", "invalid json", err)
	}
	msg := Message{Type: env.Type}

	switch env.Type {
	case string(LayoutTempest), string(LayoutAir), string(LayoutSky):
		samples, err := decodeObservations(t, Layout(env.Type), env)
		if err != nil {
			return Message{}, err
		}
		msg.Samples = samples

	case string(LayoutRapidWind):
		if len(env.Ob) == 0 || bytes.Equal(env.Ob, []byte("null")) {
			return Message{}, malformed(t, env.Type, "missing ob", nil)
		}
		obs, err := decodeRow(t, LayoutRapidWind, env.Ob, env.SerialNumber, env.DeviceID)
		if err != nil {
			return Message{}, err
		}
		msg.Samples = []weather.Sample{withEnvelope(weather.ObservationSample(t, obs), env)}

	case "evt_strike":
		vals, err := numbers(t, env.Type, env.Evt, 3)
		if err != nil {
			return Message{}, err
		}
		if vals[0] == nil || vals[1] == nil {
			return Message{}, malformed(t, env.Type, "strike without time or distance", nil)
		}
		s := weather.Sample{
			Kind: weather.SampleLightning,
			Strike: &weather.LightningStrike{
				Timestamp: epoch(*vals[0]),
				Device:    env.SerialNumber,
				Distance:  kilometreToMetre(*vals[1]),
				Transport: t,
			},
		}
		if vals[2] != nil {
			s.Strike.Energy = *vals[2]
		}
		msg.Samples = []weather.Sample{withEnvelope(s, env)}

	case "evt_precip":
		vals, err := numbers(t, env.Type, env.Evt, 1)
		if err != nil {
			return Message{}, err
		}
		if vals[0] == nil {
			return Message{}, malformed(t, env.Type, "rain start without time", nil)
		}
		s := weather.Sample{
			Kind: weather.SampleRainStart,
			Rain: &weather.RainStart{Timestamp: epoch(*vals[0]), Device: env.SerialNumber, Transport: t},
		}
		msg.Samples = []weather.Sample{withEnvelope(s, env)}

	case "hub_status", "device_status":
		if t != weather.TransportUDP {
			return Message{}, malformed(t, env.Type, "status messages are only broadcast locally", nil)
		}
		msg.Status = &weather.DeviceStatus{
			Serial:       env.SerialNumber,
			HubSerial:    env.HubSN,
			Type:         env.Type,
			Timestamp:    epoch(float64(env.Timestamp)),
			Uptime:       env.Uptime,
			RSSI:         env.RSSI,
			Voltage:      env.Voltage,
			Firmware:     firmware(env.FirmwareRevision),
			SensorStatus: env.SensorStatus,
		}

	default:
		if !controlTypes[env.Type] {
			return Message{}, malformed(t, env.Type, "unknown message type", nil)
		}
	}
	return msg, nil
}

// IsStatus reports whether a decoded message is a health report.
func (m Message) IsStatus() bool {
	return m.Status != nil
}

func decodeObservations(t weather.Transport, l Layout, env envelope) ([]weather.Sample, error) {
	samples := make([]weather.Sample, 0, len(env.Obs))
	for _, row := range env.Obs {
		obs, err := decodeRow(t, l, row, env.SerialNumber, env.DeviceID)
		if err != nil {
			return nil, err
		}
		samples = append(samples, withEnvelope(weather.ObservationSample(t, obs), env))
	}
	return samples, nil
}

// decodeRow is the single positional decoder. It knows nothing about any
// transport beyond stamping provenance; positions come from the layout table.
func decodeRow(t weather.Transport, l Layout, row json.RawMessage, serial string, deviceID int) (weather.Observation, error) {
	vals, err := numbers(t, string(l), row, width(l))
	if err != nil {
		return weather.Observation{}, err
	}
	if vals[0] == nil {
		return weather.Observation{}, malformed(t, string(l), "missing timestamp", nil)
	}

	values := make(map[weather.Field]float64, len(layouts[l]))
	for _, c := range layouts[l] {
		v := vals[c.pos]
		if v == nil {
			continue
		}
		if c.conv != nil {
			values[c.field] = c.conv(*v)
		} else {
			values[c.field] = *v
		}
	}
	return weather.NewObservation(epoch(*vals[0]), t, serial, deviceID, values), nil
}

// numbers parses a JSON array of numbers or nulls of at least want entries.
// Trailing entries beyond want are parsed and validated but otherwise ignored.
func numbers(t weather.Transport, typ string, raw json.RawMessage, want int) ([]*float64, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, malformed(t, typ, "expected array", err)
	}
	if len(items) < want {
		return nil, malformed(t, typ, fmt.Sprintf("array has %d entries, want at least %d", len(items), want), nil)
	}
	out := make([]*float64, len(items))
	for i, item := range items {
		if bytes.Equal(bytes.TrimSpace(item), []byte("null")) {
			continue
		}
		var f float64
		if err := json.Unmarshal(item, &f); err != nil {
			return nil, malformed(t, typ, fmt.Sprintf("entry %d is not numeric", i), err)
		}
		out[i] = &f
	}
	return out, nil
}

func withEnvelope(s weather.Sample, env envelope) weather.Sample {
	s.Serial = env.SerialNumber
	s.DeviceID = env.DeviceID
	s.HubSerial = env.HubSN
	return s
}

func epoch(v float64) time.Time {
	return time.Unix(int64(v), 0).UTC()
}

func firmware(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
