package elm327

import "time"

// Драйверы устройства
const (
	DriverAuto   = "auto"   // rfcomm для /dev/rfcomm*, иначе serial
	DriverSerial = "serial" // go.bug.st/serial
	DriverRFCOMM = "rfcomm" // прямое открытие файла устройства
)

// Config представляет конфигурацию подключения к ELM327
type Config struct {
	Driver       string        `mapstructure:"driver"`        // auto, serial или rfcomm
	BaudRate     int           `mapstructure:"baud_rate"`     // Скорость порта для serial
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // Таймаут ожидания приглашения '>'
	InitDelay    time.Duration `mapstructure:"init_delay"`    // Пауза после открытия устройства
	InitCommands []string      `mapstructure:"init_commands"` // Команды для инициализации ELM327
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Driver:      DriverAuto,
		BaudRate:    38400,
		ReadTimeout: 3 * time.Second,
		InitDelay:   500 * time.Millisecond,
		InitCommands: []string{
			"ATZ",   // Полный сброс
			"ATE0",  // Отключить эхо
			"ATL0",  // Отключить перевод строки
			"ATS0",  // Отключить пробелы
			"ATH0",  // Отключить заголовки
			"ATSP0", // Автоматический выбор протокола
		},
	}
}
