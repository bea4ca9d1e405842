package obd

// supportMaskDigits - длина ответа на 0100: 4 байта, 32 бита
const supportMaskDigits = 8

// IndexedSensor - датчик вместе с его позицией в каталоге
type IndexedSensor struct {
	Index  int
	Sensor Sensor
}

// SupportResult - результат разбора маски поддерживаемых PID, неизменяем после создания
type SupportResult struct {
	Supported   []IndexedSensor
	Unsupported []IndexedSensor
	// MaskBits - число бит в маске. Датчики с позицией больше MaskBits
	// маской не проверяются и всегда попадают в Unsupported.
	MaskBits int
	Raw      string
}

// IsSupported сообщает, отмечен ли датчик с данной позицией как поддерживаемый
func (r SupportResult) IsSupported(pos int) bool {
	for _, s := range r.Supported {
		if s.Index == pos {
			return true
		}
	}
	return false
}

// Verifiable сообщает, адресуется ли позиция маской
func (r SupportResult) Verifiable(pos int) bool {
	return pos >= 1 && pos <= r.MaskBits
}

// ParseSupport разбирает ответ на команду "Supported PIDs".
// Бит i (с нуля, старший бит первого байта первым) относится к позиции i+1 каталога.
func ParseSupport(catalog *Catalog, raw string) (SupportResult, error) {
	bits, err := HexToBitstring(raw)
	if err != nil {
		return SupportResult{}, err
	}
	if len(raw) != supportMaskDigits {
		return SupportResult{}, malformed(raw, "support mask expects %d hex digits, got %d", supportMaskDigits, len(raw))
	}

	result := SupportResult{
		MaskBits: len(bits),
		Raw:      raw,
	}
	for _, s := range catalog.sensors {
		entry := IndexedSensor{Index: s.Position, Sensor: s}
		i := s.Position - 1
		if i < len(bits) && bits[i] == '1' {
			result.Supported = append(result.Supported, entry)
		} else {
			result.Unsupported = append(result.Unsupported, entry)
		}
	}
	return result, nil
}
