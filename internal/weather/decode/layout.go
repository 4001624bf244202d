package decode

import "github.com/i474232898/weather-station-fusion/internal/weather"

// Layout names a positional observation array schema.
type Layout string

const (
	LayoutTempest   Layout = "obs_st"
	LayoutAir       Layout = "obs_air"
	LayoutSky       Layout = "obs_sky"
	LayoutRapidWind Layout = "rapid_wind"
)

// column binds one array position to a field and its conversion to SI.
type column struct {
	pos   int
	field weather.Field
	conv  func(float64) float64
}

func celsiusToKelvin(v float64) float64 { return v + 273.15 }
func millibarToPascal(v float64) float64 { return v * 100 }
func millimetreToMetre(v float64) float64 { return v / 1000 }
func percentToRatio(v float64) float64 { return v / 100 }
func kilometreToMetre(v float64) float64 { return v * 1000 }
func minuteToSecond(v float64) float64 { return v * 60 }

// layouts is the only place that knows array positions. Index 0 is always the
// epoch timestamp. UDP, WebSocket and REST device observations all decode
// through this table.
var layouts = map[Layout][]column{
	LayoutTempest: {
		{1, weather.FieldWindLull, nil},
		{2, weather.FieldWindAvg, nil},
		{3, weather.FieldWindGust, nil},
		{4, weather.FieldWindDirection, nil},
		{5, weather.FieldWindSampleInterval, nil},
		{6, weather.FieldPressure, millibarToPascal},
		{7, weather.FieldTemperature, celsiusToKelvin},
		{8, weather.FieldHumidity, percentToRatio},
		{9, weather.FieldIlluminance, nil},
		{10, weather.FieldUV, nil},
		{11, weather.FieldSolarRadiation, nil},
		{12, weather.FieldRain, millimetreToMetre},
		{13, weather.FieldPrecipType, nil},
		{14, weather.FieldLightningDistance, kilometreToMetre},
		{15, weather.FieldLightningCount, nil},
		{16, weather.FieldBattery, nil},
		{17, weather.FieldReportInterval, minuteToSecond},
	},
	LayoutAir: {
		{1, weather.FieldPressure, millibarToPascal},
		{2, weather.FieldTemperature, celsiusToKelvin},
		{3, weather.FieldHumidity, percentToRatio},
		{4, weather.FieldLightningCount, nil},
		{5, weather.FieldLightningDistance, kilometreToMetre},
		{6, weather.FieldBattery, nil},
		{7, weather.FieldReportInterval, minuteToSecond},
	},
	LayoutSky: {
		{1, weather.FieldIlluminance, nil},
		{2, weather.FieldUV, nil},
		{3, weather.FieldRain, millimetreToMetre},
		{4, weather.FieldWindLull, nil},
		{5, weather.FieldWindAvg, nil},
		{6, weather.FieldWindGust, nil},
		{7, weather.FieldWindDirection, nil},
		{8, weather.FieldBattery, nil},
		{9, weather.FieldReportInterval, minuteToSecond},
		{10, weather.FieldSolarRadiation, nil},
		// 11 is local day rain accumulation, not a per-sample value.
		{12, weather.FieldPrecipType, nil},
		{13, weather.FieldWindSampleInterval, nil},
	},
	LayoutRapidWind: {
		{1, weather.FieldWindAvg, nil},
		{2, weather.FieldWindDirection, nil},
	},
}

// width returns the minimum array length a layout requires.
func width(l Layout) int {
	n := 0
	for _, c := range layouts[l] {
		if c.pos+1 > n {
			n = c.pos + 1
		}
	}
	return n
}

// LayoutFor maps a device type to the layout its full observations use.
func LayoutFor(t weather.DeviceType) (Layout, bool) {
	switch t {
	case weather.DeviceTempest:
		return LayoutTempest, true
	case weather.DeviceAir:
		return LayoutAir, true
	case weather.DeviceSky:
		return LayoutSky, true
	default:
		return "", false
	}
}
