package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/serebryakov7/ls3-gauge/common"
)

const (
	readTimeout = 100 * time.Millisecond
	readBufSize = 512
)

// SerialConfig - параметры последовательного порта. Формат кадра всегда 8N1
// без управления потоком.
type SerialConfig struct {
	Port     string
	BaudRate int
}

// Serial - канал USB-serial.
type Serial struct {
	name    string
	port    *serial.Port
	handler Handler

	writeMu   sync.Mutex
	connected atomic.Bool
	stopChan  chan struct{}
	closeOnce sync.Once
}

// OpenSerial открывает порт и запускает горутину чтения.
func OpenSerial(cfg SerialConfig, h Handler) (*Serial, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: открытие порта %s: %v", common.ErrTransport, cfg.Port, err)
	}

	s := &Serial{
		name:     cfg.Port,
		port:     port,
		handler:  h,
		stopChan: make(chan struct{}),
	}
	s.connected.Store(true)
	go s.readLoop()
	return s, nil
}

// readLoop читает порт до закрытия канала или ошибки чтения.
func (s *Serial) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handler.data(chunk, time.Now())
		}
		if err != nil && !errors.Is(err, io.EOF) {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.markLost(fmt.Errorf("%w: чтение порта %s: %v", common.ErrTransport, s.name, err))
			return
		}
	}
}

func (s *Serial) markLost(err error) {
	if s.connected.CompareAndSwap(true, false) {
		s.handler.lost(err)
	}
}

// Write отправляет байты в порт.
func (s *Serial) Write(_ context.Context, p []byte) error {
	if !s.connected.Load() {
		return fmt.Errorf("%w: порт %s закрыт", common.ErrTransport, s.name)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(p); err != nil {
		err = fmt.Errorf("%w: запись в порт %s: %v", common.ErrTransport, s.name, err)
		s.markLost(err)
		return err
	}
	return nil
}

func (s *Serial) Connected() bool { return s.connected.Load() }

// Close закрывает порт.
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.connected.Store(false)
		err = s.port.Close()
	})
	return err
}
