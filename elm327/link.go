package elm327

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sys/unix"

	"obd-capture/capture"
)

var logger = log.New(os.Stdout, "[ELM327] ", log.LstdFlags|log.Lshortfile)

// readSlice - максимальная длительность одного Read, чтобы вовремя заметить отмену ctx
const readSlice = 100 * time.Millisecond

var errTimeout = errors.New("timed out waiting for prompt")

// Ответы ELM327, означающие неудачу отдельного запроса
var adapterErrors = []string{
	"NO DATA",
	"UNABLE TO CONNECT",
	"CAN ERROR",
	"BUS ERROR",
	"BUS BUSY",
	"DATA ERROR",
	"BUFFER FULL",
	"STOPPED",
	"ERROR",
	"?",
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// inputResetter реализуют serial.Port и другие порты с аппаратным буфером
type inputResetter interface {
	ResetInputBuffer() error
}

type readChunk struct {
	data []byte
	err  error
}

// Link - открытое соединение с ELM327, реализует capture.Transport
type Link struct {
	config Config
	name   string

	mu     sync.Mutex // один запрос в полёте
	conn   io.ReadWriteCloser
	closed bool
	done   chan struct{}

	// фоновое чтение для устройств без поддержки deadline
	async   bool
	chunks  chan readChunk
	readErr error
}

// Opener возвращает capture.Opener, открывающий Link для кандидата
func Opener(config Config) capture.Opener {
	return capture.OpenerFunc(func(ctx context.Context, candidate string) (capture.Transport, error) {
		link, err := Open(ctx, config, candidate)
		if err != nil {
			return nil, err
		}
		return link, nil
	})
}

// Open открывает устройство и выполняет инициализацию ELM327
func Open(ctx context.Context, config Config, path string) (*Link, error) {
	logger.Printf("Attempting to connect to %s", path)

	conn, err := openDevice(config, path)
	if err != nil {
		return nil, err
	}

	l := newLink(config, path, conn)
	if err := l.initialize(ctx); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to initialize ELM327 on %s: %w", path, err)
	}
	return l, nil
}

func newLink(config Config, name string, conn io.ReadWriteCloser) *Link {
	return &Link{config: config, name: name, conn: conn, done: make(chan struct{})}
}

func openDevice(config Config, path string) (io.ReadWriteCloser, error) {
	driver := config.Driver
	if driver == "" || driver == DriverAuto {
		driver = DriverSerial
		if strings.HasPrefix(filepath.Base(path), "rfcomm") {
			driver = DriverRFCOMM
		}
	}

	switch driver {
	case DriverRFCOMM:
		return openRFCOMM(path)
	case DriverSerial:
		return openSerial(config, path)
	}
	return nil, fmt.Errorf("unknown device driver %q", config.Driver)
}

// openRFCOMM открывает привязанное устройство /dev/rfcommN (rfcomm bind)
func openRFCOMM(path string) (io.ReadWriteCloser, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("device %s does not exist. Please run 'sudo rfcomm bind' first", path)
	}

	file, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return file, nil
}

func openSerial(config Config, path string) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q: %w", path, err)
	}
	if err := port.SetReadTimeout(readSlice); err != nil {
		port.Close()
		return nil, err
	}
	port.ResetInputBuffer()
	port.ResetOutputBuffer()
	return port, nil
}

// initialize отправляет команды инициализации последовательно
func (l *Link) initialize(ctx context.Context) error {
	logger.Println("Initializing ELM327...")

	if l.config.InitDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.InitDelay):
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, cmd := range l.config.InitCommands {
		logger.Printf("Sending init command %d/%d: %s", i+1, len(l.config.InitCommands), cmd)
		resp, err := l.exchange(ctx, cmd)
		if err != nil {
			if errors.Is(err, errTimeout) {
				logger.Printf("Warning: No response to %s. Continuing...", cmd)
				continue
			}
			return fmt.Errorf("command %s: %w", cmd, err)
		}
		logger.Printf("Response to %s: %q", cmd, strings.TrimSpace(resp))
	}

	logger.Println("ELM327 initialization completed")
	return nil
}

// Query отправляет команду каталога и возвращает hex-данные без эха mode/PID
func (l *Link) Query(ctx context.Context, command string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", fmt.Errorf("%w: %s is closed", capture.ErrConnectionLost, l.name)
	}

	resp, err := l.exchange(ctx, command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if errors.Is(err, errTimeout) {
			return "", fmt.Errorf("%w: %s: %v", capture.ErrTransport, command, err)
		}
		return "", fmt.Errorf("%w: %s: %v", capture.ErrConnectionLost, l.name, err)
	}

	return ParseResponse(command, resp)
}

// exchange пишет команду с '\r' и читает ответ до приглашения '>'
func (l *Link) exchange(ctx context.Context, command string) (string, error) {
	l.flushInput()
	if _, err := l.conn.Write([]byte(command + "\r")); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	return l.readUntilPrompt(ctx)
}

// flushInput отбрасывает ответы, пришедшие после таймаута предыдущего запроса
func (l *Link) flushInput() {
	if r, ok := l.conn.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			logger.Printf("Failed to reset input buffer of %s: %v", l.name, err)
		}
	}
	if !l.async {
		return
	}
	for {
		select {
		case c := <-l.chunks:
			if c.err != nil {
				l.readErr = c.err
				return
			}
		default:
			return
		}
	}
}

func (l *Link) readUntilPrompt(ctx context.Context) (string, error) {
	deadline := time.Now().Add(l.config.ReadTimeout)
	var acc bytes.Buffer
	if l.async {
		return l.readAsync(ctx, deadline, &acc)
	}

	d, canDeadline := l.conn.(deadliner)
	buf := make([]byte, 128)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errTimeout
		}
		if canDeadline {
			if err := d.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
				if !errors.Is(err, os.ErrNoDeadline) {
					return "", fmt.Errorf("set read deadline: %w", err)
				}
				logger.Printf("%s does not support read deadlines, reading in background", l.name)
				l.startReader()
				return l.readAsync(ctx, deadline, &acc)
			}
		}

		n, err := l.conn.Read(buf)
		acc.Write(buf[:n])
		if i := bytes.IndexByte(acc.Bytes(), '>'); i >= 0 {
			return string(acc.Bytes()[:i]), nil
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return "", fmt.Errorf("read: %w", err)
		}
	}
}

// startReader переносит блокирующий Read в горутину, чтобы таймаут и отмена ctx
// срабатывали и на устройствах без deadline. Горутина завершается после Close.
func (l *Link) startReader() {
	l.async = true
	l.chunks = make(chan readChunk, 16)
	go func() {
		for {
			buf := make([]byte, 128)
			n, err := l.conn.Read(buf)
			select {
			case l.chunks <- readChunk{data: buf[:n], err: err}:
			case <-l.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (l *Link) readAsync(ctx context.Context, deadline time.Time, acc *bytes.Buffer) (string, error) {
	if l.readErr != nil {
		return "", fmt.Errorf("read: %w", l.readErr)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", errTimeout
		case c := <-l.chunks:
			acc.Write(c.data)
			if i := bytes.IndexByte(acc.Bytes(), '>'); i >= 0 {
				return string(acc.Bytes()[:i]), nil
			}
			if c.err != nil {
				l.readErr = c.err
				return "", fmt.Errorf("read: %w", c.err)
			}
		}
	}
}

// Close закрывает устройство, повторный вызов безопасен
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	logger.Printf("Closing %s", l.name)
	return l.conn.Close()
}

// ParseResponse извлекает данные из ответа ELM327 на команду mode 01.
// Строки эха и "SEARCHING..." пропускаются, берется первая строка вида 4x PID ...
func ParseResponse(command, response string) (string, error) {
	if len(command) < 4 {
		return "", fmt.Errorf("%w: invalid command %q", capture.ErrTransport, command)
	}
	echo := "4" + command[1:2] + strings.ToUpper(command[2:4])

	lines := strings.FieldsFunc(strings.ToUpper(response), func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	for _, line := range lines {
		line = strings.TrimSpace(line)
		compact := strings.ReplaceAll(line, " ", "")
		if compact == "" || compact == strings.ToUpper(command) || strings.HasPrefix(compact, "SEARCHING") {
			continue
		}
		for _, adapterErr := range adapterErrors {
			if line == adapterErr || strings.HasPrefix(line, adapterErr) {
				return "", fmt.Errorf("%w: %s: %s", capture.ErrTransport, command, line)
			}
		}
		if strings.HasPrefix(compact, echo) {
			return compact[len(echo):], nil
		}
	}
	return "", fmt.Errorf("%w: %s: unexpected response %q", capture.ErrTransport, command, strings.TrimSpace(response))
}
