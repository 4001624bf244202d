package decode

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/i474232898/weather-station-fusion/internal/weather"
)

// restStatus is the status block every REST response carries.
type restStatus struct {
	Code    int    `json:"status_code"`
	Message string `json:"status_message"`
}

type restDevice struct {
	DeviceID     int    `json:"device_id"`
	SerialNumber string `json:"serial_number"`
	DeviceType   string `json:"device_type"`
}

type restStation struct {
	StationID   int     `json:"station_id"`
	Name        string  `json:"name"`
	PublicName  string  `json:"public_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Timezone    string  `json:"timezone"`
	StationMeta struct {
		Elevation float64 `json:"elevation"`
	} `json:"station_meta"`
	Devices []restDevice `json:"devices"`
}

// Stations decodes a station list or station detail response.
func Stations(raw []byte) ([]weather.Station, error) {
	var payload struct {
		Stations []restStation `json:"stations"`
		Status   *restStatus   `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, malformed(weather.TransportREST, "stations", "invalid json", err)
	}
	if err := checkStatus(payload.Status, "stations"); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]weather.Station, 0, len(payload.Stations))
	for _, rs := range payload.Stations {
		if rs.StationID == 0 {
			return nil, malformed(weather.TransportREST, "stations", "station without id", nil)
		}
		st := weather.Station{
			ID:        rs.StationID,
			Name:      rs.Name,
			Latitude:  rs.Latitude,
			Longitude: rs.Longitude,
			Elevation: rs.StationMeta.Elevation,
			Timezone:  rs.Timezone,
			FetchedAt: now,
		}
		if st.Name == "" {
			st.Name = rs.PublicName
		}
		for _, d := range rs.Devices {
			if d.SerialNumber == "" {
				continue
			}
			st.Devices = append(st.Devices, weather.Device{
				ID:     d.DeviceID,
				Serial: d.SerialNumber,
				Type:   weather.DeviceType(d.DeviceType),
			})
		}
		out = append(out, st)
	}
	return out, nil
}

// StationObservation decodes the REST station observation into its enrichment
// overlay. Values arrive in metric units and leave in SI.
func StationObservation(raw []byte) (*weather.Enrichment, error) {
	var payload struct {
		StationID int `json:"station_id"`
		Obs       []struct {
			Timestamp     int64    `json:"timestamp"`
			FeelsLike     *float64 `json:"feels_like"`
			DewPoint      *float64 `json:"dew_point"`
			HeatIndex     *float64 `json:"heat_index"`
			WindChill     *float64 `json:"wind_chill"`
			PressureTrend string   `json:"pressure_trend"`
		} `json:"obs"`
		Status *restStatus `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, malformed(weather.TransportREST, "station_observation", "invalid json", err)
	}
	if err := checkStatus(payload.Status, "station_observation"); err != nil {
		return nil, err
	}
	if len(payload.Obs) == 0 {
		return nil, nil
	}
	ob := payload.Obs[len(payload.Obs)-1]
	if ob.Timestamp == 0 {
		return nil, malformed(weather.TransportREST, "station_observation", "missing timestamp", nil)
	}
	return &weather.Enrichment{
		Timestamp:     epoch(float64(ob.Timestamp)),
		FeelsLike:     kelvin(ob.FeelsLike),
		DewPoint:      kelvin(ob.DewPoint),
		HeatIndex:     kelvin(ob.HeatIndex),
		WindChill:     kelvin(ob.WindChill),
		PressureTrend: ob.PressureTrend,
	}, nil
}

// Forecast decodes the hourly part of a forecast requested in metric units
// (units_temp=c, units_wind=mps, units_pressure=mb, units_precip=mm).
func Forecast(raw []byte) ([]weather.ForecastHour, error) {
	var payload struct {
		Forecast struct {
			Hourly []struct {
				Time             int64    `json:"time"`
				Conditions       string   `json:"conditions"`
				AirTemperature   *float64 `json:"air_temperature"`
				RelativeHumidity *float64 `json:"relative_humidity"`
				StationPressure  *float64 `json:"station_pressure"`
				WindAvg          *float64 `json:"wind_avg"`
				WindGust         *float64 `json:"wind_gust"`
				WindDirection    *float64 `json:"wind_direction"`
				UV               *float64 `json:"uv"`
			} `json:"hourly"`
		} `json:"forecast"`
		Status *restStatus `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, malformed(weather.TransportREST, "forecast", "invalid json", err)
	}
	if err := checkStatus(payload.Status, "forecast"); err != nil {
		return nil, err
	}

	hours := make([]weather.ForecastHour, 0, len(payload.Forecast.Hourly))
	for _, h := range payload.Forecast.Hourly {
		if h.Time == 0 {
			return nil, malformed(weather.TransportREST, "forecast", "hour without time", nil)
		}
		values := map[weather.Field]float64{}
		put := func(f weather.Field, v *float64, conv func(float64) float64) {
			if v == nil {
				return
			}
			if conv != nil {
				values[f] = conv(*v)
				return
			}
			values[f] = *v
		}
		put(weather.FieldTemperature, h.AirTemperature, celsiusToKelvin)
		put(weather.FieldHumidity, h.RelativeHumidity, percentToRatio)
		put(weather.FieldPressure, h.StationPressure, millibarToPascal)
		put(weather.FieldWindAvg, h.WindAvg, nil)
		put(weather.FieldWindGust, h.WindGust, nil)
		put(weather.FieldWindDirection, h.WindDirection, nil)
		put(weather.FieldUV, h.UV, nil)

		hours = append(hours, weather.ForecastHour{
			Time:       epoch(float64(h.Time)),
			Conditions: h.Conditions,
			Values:     values,
		})
	}
	return hours, nil
}

func checkStatus(s *restStatus, typ string) error {
	if s == nil || s.Code == 0 {
		return nil
	}
	return malformed(weather.TransportREST, typ, fmt.Sprintf("status %d: %s", s.Code, s.Message), nil)
}

func kelvin(c *float64) *float64 {
	if c == nil {
		return nil
	}
	k := celsiusToKelvin(*c)
	return &k
}
