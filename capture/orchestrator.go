package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"obd-capture/common"
	"obd-capture/obd"
)

// State - состояние оркестратора
type State int

const (
	StateDisconnected State = iota
	StateSupportDiscovery
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSupportDiscovery:
		return "support_discovery"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config представляет настройки цикла захвата
type Config struct {
	Candidates        []string      `mapstructure:"candidates"`         // Устройства, перебираемые при подключении
	Interval          time.Duration `mapstructure:"interval"`           // Пауза между проходами
	SettleDelay       time.Duration `mapstructure:"settle_delay"`       // Пауза после определения поддерживаемых PID
	ConnectAttempts   uint          `mapstructure:"connect_attempts"`   // Число полных кругов по кандидатам
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"` // Пауза между кругами
	Debug             bool          `mapstructure:"debug"`              // Логировать каждый запрос
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Interval:          1 * time.Second,
		SettleDelay:       3 * time.Second,
		ConnectAttempts:   3,
		ReconnectInterval: 5 * time.Second,
	}
}

// Handler получает каждый готовый снимок до начала следующего прохода.
// Возврат ErrStopped (в том числе обёрнутого) штатно завершает Run.
type Handler func(common.Snapshot) error

// Orchestrator опрашивает поддерживаемые датчики и собирает снимки
type Orchestrator struct {
	config  Config
	catalog *obd.Catalog
	opener  Opener
	logger  *log.Logger
	now     func() time.Time

	mu        sync.RWMutex
	state     State
	transport Transport
	support   *obd.SupportResult
}

// NewOrchestrator создает оркестратор в состоянии Disconnected
func NewOrchestrator(config Config, catalog *obd.Catalog, opener Opener) *Orchestrator {
	if config.ConnectAttempts == 0 {
		config.ConnectAttempts = 1
	}
	return &Orchestrator{
		config:  config,
		catalog: catalog,
		opener:  opener,
		logger:  log.New(os.Stdout, "[Capture] ", log.LstdFlags|log.Lshortfile),
		now:     time.Now,
		state:   StateDisconnected,
	}
}

// State возвращает текущее состояние
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Support возвращает результат определения поддерживаемых датчиков для текущего соединения
func (o *Orchestrator) Support() (obd.SupportResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.support == nil {
		return obd.SupportResult{}, false
	}
	return *o.support, true
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.logger.Printf("State %s -> %s", prev, s)
	}
}

// Connect открывает транспорт и определяет поддерживаемые датчики.
// Успешный вызов переводит оркестратор в Polling.
func (o *Orchestrator) Connect(ctx context.Context) error {
	switch st := o.State(); st {
	case StateStopped:
		return ErrStopped
	case StateDisconnected:
	default:
		return fmt.Errorf("connect in state %s", st)
	}

	t, err := o.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			o.Close()
			return ErrStopped
		}
		return err
	}

	o.mu.Lock()
	o.transport = t
	o.mu.Unlock()
	o.setState(StateSupportDiscovery)

	pids := o.catalog.SupportSensor()
	raw, err := t.Query(ctx, pids.Command)
	if err != nil {
		if ctx.Err() != nil {
			o.Close()
			return ErrStopped
		}
		o.disconnect()
		return fmt.Errorf("%w: support discovery: %v", ErrConnectionLost, err)
	}

	result, err := obd.ParseSupport(o.catalog, raw)
	if err != nil {
		o.disconnect()
		return fmt.Errorf("%w: support discovery: %w", ErrConnectionLost, err)
	}

	o.mu.Lock()
	o.support = &result
	o.mu.Unlock()
	o.logger.Printf("Vehicle reports %d supported sensors:\n%s", len(result.Supported), FormatSupport(result))

	if err := sleepContext(ctx, o.config.SettleDelay); err != nil {
		o.Close()
		return ErrStopped
	}

	o.setState(StatePolling)
	return nil
}

// open перебирает кандидатов по порядку, повторяя круг ConnectAttempts раз
func (o *Orchestrator) open(ctx context.Context) (Transport, error) {
	if len(o.config.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate devices", ErrConnectionFailed)
	}

	var t Transport
	err := retry.Do(func() error {
		var lastErr error
		for _, candidate := range o.config.Candidates {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			tr, err := o.opener.Open(ctx, candidate)
			if err != nil {
				o.logger.Printf("Failed to open %s: %v", candidate, err)
				lastErr = err
				continue
			}
			o.logger.Printf("Connected to %s", candidate)
			t = tr
			return nil
		}
		return lastErr
	},
		retry.Context(ctx),
		retry.Attempts(o.config.ConnectAttempts),
		retry.Delay(o.config.ReconnectInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			o.logger.Printf("Connect attempt #%d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return t, nil
}

// Poll выполняет один проход по поддерживаемым датчикам в порядке каталога.
// Ошибка отдельного датчика попадает в Snapshot.Failures и не прерывает проход.
func (o *Orchestrator) Poll(ctx context.Context) (common.Snapshot, error) {
	o.mu.RLock()
	state, t, support := o.state, o.transport, o.support
	o.mu.RUnlock()

	if state == StateStopped {
		return common.Snapshot{}, ErrStopped
	}
	if state != StatePolling {
		return common.Snapshot{}, fmt.Errorf("poll in state %s", state)
	}

	snapshot := common.Snapshot{Timestamp: o.now()}
	for _, entry := range support.Supported {
		if ctx.Err() != nil {
			o.Close()
			return snapshot, ErrStopped
		}

		sensor := entry.Sensor
		raw, err := t.Query(ctx, sensor.Command)
		if err != nil {
			if ctx.Err() != nil {
				o.Close()
				return snapshot, ErrStopped
			}
			if errors.Is(err, ErrConnectionLost) {
				o.disconnect()
				return snapshot, err
			}
			snapshot.Failures = append(snapshot.Failures, o.failure(entry, err))
			continue
		}

		value, err := sensor.Decode(raw)
		if err != nil {
			snapshot.Failures = append(snapshot.Failures, o.failure(entry, err))
			continue
		}

		if o.config.Debug {
			o.logger.Printf("%s (%s) = %v %s", sensor.ShortName, sensor.Command, value, sensor.Unit)
		}
		snapshot.Readings = append(snapshot.Readings, common.Reading{
			Position:  entry.Index,
			ShortName: sensor.ShortName,
			Name:      sensor.DisplayName,
			Value:     value,
			Unit:      sensor.Unit,
			Raw:       raw,
		})
	}
	return snapshot, nil
}

func (o *Orchestrator) failure(entry obd.IndexedSensor, err error) common.SensorFailure {
	o.logger.Printf("Sensor %s (%s) failed: %v", entry.Sensor.ShortName, entry.Sensor.Command, err)
	return common.SensorFailure{
		Position:  entry.Index,
		ShortName: entry.Sensor.ShortName,
		Error:     err.Error(),
	}
}

// Run подключается и опрашивает датчики до отмены ctx, передавая каждый снимок в handler.
// Возвращает nil при отмене, ошибку с ErrConnectionFailed или ErrConnectionLost
// при потере соединения (оркестратор остается в Disconnected и Run можно вызвать снова).
func (o *Orchestrator) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			o.Close()
			return nil
		}

		switch o.State() {
		case StateStopped:
			return nil
		case StateDisconnected:
			if err := o.Connect(ctx); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				return err
			}
		}

		snapshot, err := o.Poll(ctx)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}

		if err := handler(snapshot); err != nil {
			o.Close()
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return fmt.Errorf("snapshot handler: %w", err)
		}

		if err := sleepContext(ctx, o.config.Interval); err != nil {
			o.Close()
			return nil
		}
	}
}

// disconnect закрывает транспорт и возвращает оркестратор в Disconnected
func (o *Orchestrator) disconnect() {
	o.release()
	o.mu.Lock()
	o.support = nil
	o.mu.Unlock()
	o.setState(StateDisconnected)
}

// Close переводит оркестратор в Stopped и освобождает транспорт. Повторный вызов безопасен.
func (o *Orchestrator) Close() error {
	err := o.release()
	o.setState(StateStopped)
	return err
}

func (o *Orchestrator) release() error {
	o.mu.Lock()
	t := o.transport
	o.transport = nil
	o.mu.Unlock()

	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil {
		o.logger.Printf("Transport close error: %v", err)
		return err
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
