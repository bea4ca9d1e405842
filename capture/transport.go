package capture

import (
	"context"
	"errors"
)

var (
	// ErrTransport - ошибка одного запроса; датчик пропускается, проход продолжается
	ErrTransport = errors.New("transport error")
	// ErrConnectionLost - транспорт больше не пригоден для запросов
	ErrConnectionLost = errors.New("connection lost")
	// ErrConnectionFailed - не удалось открыть ни одно устройство
	ErrConnectionFailed = errors.New("connection failed")
	// ErrStopped возвращается после отмены или Close
	ErrStopped = errors.New("capture stopped")
)

// Transport - открытое соединение с адаптером. Принадлежит одному владельцу,
// одновременно выполняется не более одного запроса.
type Transport interface {
	// Query отправляет команду каталога как есть и возвращает hex-данные без эха mode/PID.
	// Ошибки, после которых соединение непригодно, должны оборачивать ErrConnectionLost.
	Query(ctx context.Context, command string) (string, error)
	// Close освобождает устройство, повторный вызов безопасен
	Close() error
}

// Opener открывает транспорт для устройства-кандидата
type Opener interface {
	Open(ctx context.Context, candidate string) (Transport, error)
}

// OpenerFunc позволяет использовать функцию как Opener
type OpenerFunc func(ctx context.Context, candidate string) (Transport, error)

func (f OpenerFunc) Open(ctx context.Context, candidate string) (Transport, error) {
	return f(ctx, candidate)
}
