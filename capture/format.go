package capture

import (
	"fmt"
	"strings"

	"obd-capture/common"
	"obd-capture/obd"
)

// FormatSupport перечисляет поддерживаемые датчики построчно
func FormatSupport(result obd.SupportResult) string {
	var b strings.Builder
	for _, s := range result.Supported {
		fmt.Fprintf(&b, "supported sensor index = %d %s\n", s.Index, s.Sensor.ShortName)
	}
	return b.String()
}

// FormatSnapshot выводит снимок текстом: время, затем "имя = значение единица"
func FormatSnapshot(snapshot common.Snapshot) string {
	var b strings.Builder
	b.WriteString(snapshot.Timestamp.Format("15:04:05.000000"))
	b.WriteByte('\n')
	for _, r := range snapshot.Readings {
		fmt.Fprintf(&b, "%s = %v %s\n", r.Name, r.Value, r.Unit)
	}
	return b.String()
}
