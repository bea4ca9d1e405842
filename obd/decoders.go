package obd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedResponse возвращается, когда ответ не является корректной hex-строкой
// ожидаемой длины. Проверяется через errors.Is.
var ErrMalformedResponse = errors.New("malformed response")

// maxHexDigits ограничивает входные данные 4 байтами (самый длинный ответ mode 01 в каталоге)
const maxHexDigits = 8

// dtcPlaceholder возвращается декодером статуса DTC вместо структурированного результата
const dtcPlaceholder = "#"

// DecodeError описывает отклонённый ответ
type DecodeError struct {
	Input  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v %q: %s", ErrMalformedResponse, e.Input, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrMalformedResponse
}

func malformed(input, format string, args ...interface{}) error {
	return &DecodeError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// DecoderKind определяет формулу, которой декодируется ответ датчика.
// Каталог хранит вид декодера, а не функцию, и Decode выбирает формулу явно.
type DecoderKind int

const (
	KindSupportMask DecoderKind = iota
	KindDTCStatus
	KindPassthrough
	KindPercentScale
	KindThrottlePosition
	KindTemperature
	KindFuelTrim
	KindManifoldPressure
	KindRPM
	KindSpeed
	KindTimingAdvance
	KindMAF
	KindSecondsToMinutes
)

var kindNames = map[DecoderKind]string{
	KindSupportMask:      "hex_to_bitstring",
	KindDTCStatus:        "dtc_decrypt",
	KindPassthrough:      "passthrough",
	KindPercentScale:     "percent_scale",
	KindThrottlePosition: "throttle_pos",
	KindTemperature:      "temp",
	KindFuelTrim:         "fuel_trim_percent",
	KindManifoldPressure: "intake_manifold_pressure",
	KindRPM:              "rpm",
	KindSpeed:            "speed",
	KindTimingAdvance:    "timing_advance",
	KindMAF:              "maf",
	KindSecondsToMinutes: "sec_to_min",
}

func (k DecoderKind) String() string {
	if name, exists := kindNames[k]; exists {
		return name
	}
	return "unknown_" + strconv.Itoa(int(k))
}

// Decode применяет к сырому ответу декодер указанного вида.
// Числовые декодеры возвращают float64, остальные - string.
func Decode(kind DecoderKind, raw string) (interface{}, error) {
	switch kind {
	case KindSupportMask:
		return HexToBitstring(raw)
	case KindDTCStatus:
		return DTCDecrypt(raw)
	case KindPassthrough:
		return Passthrough(raw)
	case KindPercentScale:
		return PercentScale(raw)
	case KindThrottlePosition:
		return ThrottlePos(raw)
	case KindTemperature:
		return Temp(raw)
	case KindFuelTrim:
		return FuelTrimPercent(raw)
	case KindManifoldPressure:
		return IntakeManifoldPressure(raw)
	case KindRPM:
		return RPM(raw)
	case KindSpeed:
		return Speed(raw)
	case KindTimingAdvance:
		return TimingAdvance(raw)
	case KindMAF:
		return MAF(raw)
	case KindSecondsToMinutes:
		return SecToMin(raw)
	}
	return nil, fmt.Errorf("unknown decoder kind %d", int(kind))
}

// validateHex проверяет, что строка состоит из целых байт в виде пар hex-цифр
func validateHex(raw string) error {
	if raw == "" {
		return malformed(raw, "empty payload")
	}
	if len(raw)%2 != 0 {
		return malformed(raw, "odd number of hex digits (%d)", len(raw))
	}
	for i := 0; i < len(raw); i++ {
		if !isHexDigit(raw[i]) {
			return malformed(raw, "non-hex character %q at offset %d", raw[i], i)
		}
	}
	return nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// HexToInt разбирает от 1 до 4 байт в виде hex-строки без разделителей.
func HexToInt(raw string) (int64, error) {
	if err := validateHex(raw); err != nil {
		return 0, err
	}
	if len(raw) > maxHexDigits {
		return 0, malformed(raw, "expected at most %d hex digits, got %d", maxHexDigits, len(raw))
	}
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, malformed(raw, "%v", err)
	}
	return int64(v), nil
}

// MAF: расход воздуха, lb/min
func MAF(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	return float64(code) * 0.00132276, nil
}

// ThrottlePos: положение дроссельной заслонки, %
func ThrottlePos(raw string) (float64, error) {
	return PercentScale(raw)
}

// PercentScale переводит 0..255 в 0..100 %
func PercentScale(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	return float64(code) * 100.0 / 255.0, nil
}

// IntakeManifoldPressure: давление во впускном коллекторе
func IntakeManifoldPressure(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	return float64(code) / 0.14504, nil
}

// RPM: обороты двигателя, целочисленное деление на 4
func RPM(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	return float64(code / 4), nil
}

// Speed: скорость, mph
func Speed(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	return float64(code) / 1.609, nil
}

// TimingAdvance: угол опережения зажигания в градусах
func TimingAdvance(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	return float64(code-128) / 2.0, nil
}

// SecToMin переводит секунды в целые минуты
func SecToMin(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	return float64(code / 60), nil
}

// Temp переводит температуру (A - 40 °C) в градусы Фаренгейта.
// Масштабирующий член 9*c/5 вычисляется целочисленно с отбрасыванием дробной части.
func Temp(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	c := code - 40
	return float64(32 + 9*c/5), nil
}

// FuelTrimPercent: коррекция топливоподачи, 128 соответствует нулю.
// Деление с округлением вниз, отрицательные значения не приближаются к нулю.
func FuelTrimPercent(raw string) (float64, error) {
	code, err := HexToInt(raw)
	if err != nil {
		return 0, err
	}
	return float64(floorDiv((code-128)*100, 128)), nil
}

// floorDiv - целочисленное деление с округлением к минус бесконечности (b > 0)
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

// Passthrough возвращает ответ без изменений (для ещё не декодируемых PID)
func Passthrough(raw string) (string, error) {
	if err := validateHex(raw); err != nil {
		return "", err
	}
	return raw, nil
}

// HexToBitstring разворачивает каждую hex-цифру в 4 бита, старший бит первым.
func HexToBitstring(raw string) (string, error) {
	if err := validateHex(raw); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(raw) * 4)
	for i := 0; i < len(raw); i++ {
		v, _ := strconv.ParseUint(raw[i:i+1], 16, 8)
		fmt.Fprintf(&b, "%04b", v)
	}
	return b.String(), nil
}

// DTCStatus - разобранный ответ PID 01 (состояние MIL, число DTC, готовность мониторов)
type DTCStatus struct {
	MILOn    bool `json:"mil_on"`
	DTCCount int  `json:"dtc_count"`
	// Continuous - непрерывные мониторы из байта B (пропуски зажигания, топливная система, компоненты).
	// Бит i байта B даёт 1, бит i+4 даёт 2.
	Continuous [3]uint8 `json:"continuous"`
	// NonContinuous - мониторы из байтов C и D: бит i байта C даёт 1, бит i байта D даёт 2.
	NonContinuous [7]uint8 `json:"non_continuous"`
	// EGR - бит 7 байта D
	EGR uint8 `json:"egr"`
}

// DecodeDTCStatus разбирает 4-байтовый ответ статуса DTC в структуру.
func DecodeDTCStatus(raw string) (DTCStatus, error) {
	var status DTCStatus
	if err := validateHex(raw); err != nil {
		return status, err
	}
	if len(raw) != 8 {
		return status, malformed(raw, "DTC status expects 8 hex digits, got %d", len(raw))
	}

	v, err := HexToInt(raw)
	if err != nil {
		return status, err
	}
	a := uint8(v >> 24)
	b := uint8(v >> 16)
	c := uint8(v >> 8)
	d := uint8(v)

	status.MILOn = a&0x80 != 0
	status.DTCCount = int(a & 0x7f)

	for i := 0; i < 3; i++ {
		status.Continuous[i] = ((b >> i) & 0x01) + ((b >> (3 + i)) & 0x02)
	}
	for i := 0; i < 7; i++ {
		status.NonContinuous[i] = ((c >> i) & 0x01) + (((d >> i) & 0x01) << 1)
	}
	status.EGR = (d >> 7) & 0x01

	return status, nil
}

// DTCDecrypt проверяет и разбирает ответ, но возвращает только маркер "#".
// Структурированный результат доступен через DecodeDTCStatus.
func DTCDecrypt(raw string) (string, error) {
	if _, err := DecodeDTCStatus(raw); err != nil {
		return "", err
	}
	return dtcPlaceholder, nil
}
