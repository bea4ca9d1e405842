package common

import "time"

// Reading представляет одно декодированное значение датчика
type Reading struct {
	Position  int         `json:"position"`   // Позиция датчика в каталоге
	ShortName string      `json:"short_name"` // Машинное имя (например, "rpm")
	Name      string      `json:"name"`       // Отображаемое имя (например, "Engine RPM")
	Value     interface{} `json:"value"`      // float64 для числовых датчиков, string для остальных
	Unit      string      `json:"unit"`       // Единица измерения, может быть пустой
	Raw       string      `json:"raw"`        // Сырые данные для отладки
}

// SensorFailure описывает датчик, не попавший в снимок из-за ошибки запроса или декодирования
type SensorFailure struct {
	Position  int    `json:"position"`
	ShortName string `json:"short_name"`
	Error     string `json:"error"`
}

// Snapshot - результат одного прохода по всем поддерживаемым датчикам
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Readings  []Reading       `json:"readings"`
	Failures  []SensorFailure `json:"failures,omitempty"`
}

// CommandMessage представляет входящую команду управления захватом
type CommandMessage struct {
	Command       string `json:"command"`        // "stop"
	CorrelationID string `json:"correlation_id"` // ID для сопоставления запроса и ответа
}
