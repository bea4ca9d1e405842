package obd

import (
	"fmt"
	"log"
	"os"
)

var logger = log.New(os.Stdout, "[OBD-Catalog] ", log.LstdFlags|log.Lshortfile)

// Sensor описывает один датчик mode 01.
// Position - 1-based позиция в каталоге, она же номер бита в маске поддерживаемых PID
// (бит i маски соответствует Position == i+1).
type Sensor struct {
	Position    int         `json:"position"`
	ShortName   string      `json:"short_name"`
	DisplayName string      `json:"display_name"`
	Command     string      `json:"command"` // mode + PID, иногда с цифрой ожидаемого числа ответов
	Decoder     DecoderKind `json:"decoder"`
	Unit        string      `json:"unit"`
}

// Decode декодирует сырой ответ датчика
func (s Sensor) Decode(raw string) (interface{}, error) {
	v, err := Decode(s.Decoder, raw)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", s.ShortName, err)
	}
	return v, nil
}

// PID возвращает 2-значный PID из команды (без режима и служебной цифры)
func (s Sensor) PID() string {
	if len(s.Command) < 4 {
		return ""
	}
	return s.Command[2:4]
}

// Catalog - неизменяемый упорядоченный список датчиков
type Catalog struct {
	sensors []Sensor
	byName  map[string]int
}

// sensorTable: порядок и поле Position обязаны совпадать с битами маски 0100.
// engine_mil_time (014D) стоит на позиции 33 и маской 0100 не адресуется.
var sensorTable = []Sensor{
	{1, "pids", "Supported PIDs", "0100", KindSupportMask, ""},
	{2, "dtc_status", "S-S DTC Cleared", "0101", KindDTCStatus, ""},
	{3, "dtc_ff", "DTC C-F-F", "0102", KindPassthrough, ""},
	{4, "fuel_status", "Fuel System Stat", "0103", KindPassthrough, ""},
	{5, "load", "Calc Load Value", "01041", KindPercentScale, ""},
	{6, "temp", "Coolant Temp", "0105", KindTemperature, "F"},
	{7, "short_term_fuel_trim_1", "S-T Fuel Trim", "0106", KindFuelTrim, "%"},
	{8, "long_term_fuel_trim_1", "L-T Fuel Trim", "0107", KindFuelTrim, "%"},
	{9, "short_term_fuel_trim_2", "S-T Fuel Trim", "0108", KindFuelTrim, "%"},
	{10, "long_term_fuel_trim_2", "L-T Fuel Trim", "0109", KindFuelTrim, "%"},
	{11, "fuel_pressure", "FuelRail Pressure", "010A", KindPassthrough, ""},
	{12, "manifold_pressure", "Intk Manifold", "010B", KindManifoldPressure, "psi"},
	{13, "rpm", "Engine RPM", "010C1", KindRPM, ""},
	{14, "speed", "Vehicle Speed", "010D1", KindSpeed, "MPH"},
	{15, "timing_advance", "Timing Advance", "010E", KindTimingAdvance, "degrees"},
	{16, "intake_air_temp", "Intake Air Temp", "010F", KindTemperature, "F"},
	{17, "maf", "AirFlow Rate(MAF)", "0110", KindMAF, "lb/min"},
	{18, "throttle_pos", "Throttle Position", "01111", KindThrottlePosition, "%"},
	{19, "secondary_air_status", "2nd Air Status", "0112", KindPassthrough, ""},
	{20, "o2_sensor_positions", "Loc of O2 sensors", "0113", KindPassthrough, ""},
	{21, "o211", "O2 Sensor: 1 - 1", "0114", KindFuelTrim, "%"},
	{22, "o212", "O2 Sensor: 1 - 2", "0115", KindFuelTrim, "%"},
	{23, "o213", "O2 Sensor: 1 - 3", "0116", KindFuelTrim, "%"},
	{24, "o214", "O2 Sensor: 1 - 4", "0117", KindFuelTrim, "%"},
	{25, "o221", "O2 Sensor: 2 - 1", "0118", KindFuelTrim, "%"},
	{26, "o222", "O2 Sensor: 2 - 2", "0119", KindFuelTrim, "%"},
	{27, "o223", "O2 Sensor: 2 - 3", "011A", KindFuelTrim, "%"},
	{28, "o224", "O2 Sensor: 2 - 4", "011B", KindFuelTrim, "%"},
	{29, "obd_standard", "OBD Designation", "011C", KindPassthrough, ""},
	{30, "o2_sensor_position_b", "Loc of O2 sensor", "011D", KindPassthrough, ""},
	{31, "aux_input", "Aux input status", "011E", KindPassthrough, ""},
	{32, "engine_time", "Engine Start MIN", "011F", KindSecondsToMinutes, "min"},
	{33, "engine_mil_time", "Engine Run MIL", "014D", KindSecondsToMinutes, "min"},
}

var defaultCatalog = mustCatalog(sensorTable)

// DefaultCatalog возвращает стандартный каталог датчиков mode 01
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

// NewCatalog строит каталог и проверяет, что Position идут подряд с 1, а ShortName уникальны.
func NewCatalog(sensors []Sensor) (*Catalog, error) {
	if len(sensors) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	c := &Catalog{
		sensors: make([]Sensor, len(sensors)),
		byName:  make(map[string]int, len(sensors)),
	}
	copy(c.sensors, sensors)

	for i, s := range c.sensors {
		if s.Position != i+1 {
			return nil, fmt.Errorf("sensor %s at offset %d has position %d, want %d", s.ShortName, i, s.Position, i+1)
		}
		if s.ShortName == "" {
			return nil, fmt.Errorf("sensor at position %d has empty short name", s.Position)
		}
		if _, dup := c.byName[s.ShortName]; dup {
			return nil, fmt.Errorf("duplicate sensor short name %q", s.ShortName)
		}
		if len(s.Command) < 4 {
			return nil, fmt.Errorf("sensor %s has invalid command %q", s.ShortName, s.Command)
		}
		c.byName[s.ShortName] = i
	}
	return c, nil
}

func mustCatalog(sensors []Sensor) *Catalog {
	c, err := NewCatalog(sensors)
	if err != nil {
		logger.Fatalf("Invalid sensor catalog: %v", err)
	}
	return c
}

// Len возвращает число датчиков в каталоге
func (c *Catalog) Len() int {
	return len(c.sensors)
}

// ByPosition ищет датчик по 1-based позиции
func (c *Catalog) ByPosition(pos int) (Sensor, bool) {
	if pos < 1 || pos > len(c.sensors) {
		return Sensor{}, false
	}
	return c.sensors[pos-1], true
}

// ByShortName ищет датчик по машинному имени
func (c *Catalog) ByShortName(name string) (Sensor, bool) {
	i, exists := c.byName[name]
	if !exists {
		return Sensor{}, false
	}
	return c.sensors[i], true
}

// All возвращает копию каталога в порядке позиций
func (c *Catalog) All() []Sensor {
	out := make([]Sensor, len(c.sensors))
	copy(out, c.sensors)
	return out
}

// SupportSensor возвращает датчик "Supported PIDs" (позиция 1)
func (c *Catalog) SupportSensor() Sensor {
	return c.sensors[0]
}
