package device

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/internal/transport"
)

// SerialOpener открывает последовательный порт.
type SerialOpener func(cfg transport.SerialConfig, h transport.Handler) (transport.Transport, error)

// OpenSerial - SerialOpener по умолчанию.
func OpenSerial(cfg transport.SerialConfig, h transport.Handler) (transport.Transport, error) {
	return transport.OpenSerial(cfg, h)
}

// SerialState - состояние менеджера USB-serial.
type SerialState int

const (
	Searching SerialState = iota
	ClientCreated
	Connected
	ReadingActive
	Configured
)

func (s SerialState) String() string {
	switch s {
	case Searching:
		return "searching"
	case ClientCreated:
		return "client_created"
	case Connected:
		return "connected"
	case ReadingActive:
		return "reading_active"
	case Configured:
		return "configured"
	default:
		return "unknown"
	}
}

// SerialManager ведет соединение с LS3 по USB-serial. Каждый шаг цикла
// продвигает состояние не более чем на одну ступень.
type SerialManager struct {
	dev      *Device
	ports    transport.PortLister
	open     SerialOpener
	tune     func(path string) error
	presence Presence
	interval time.Duration
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger

	state SerialState
}

// SerialOption настраивает SerialManager.
type SerialOption func(*SerialManager)

// WithPorts подменяет перечисление портов.
func WithPorts(l transport.PortLister) SerialOption { return func(m *SerialManager) { m.ports = l } }

// WithOpener подменяет открытие порта.
func WithOpener(fn SerialOpener) SerialOption { return func(m *SerialManager) { m.open = fn } }

// WithTuner подменяет подготовку порта перед открытием.
func WithTuner(fn func(path string) error) SerialOption { return func(m *SerialManager) { m.tune = fn } }

// WithSerialSleeper подменяет ожидание между шагами.
func WithSerialSleeper(fn func(context.Context, time.Duration) error) SerialOption {
	return func(m *SerialManager) { m.sleep = fn }
}

// NewSerialManager создает менеджер для устройства с ConnectionType USB.
func NewSerialManager(dev *Device, presence Presence, opts ...SerialOption) *SerialManager {
	m := &SerialManager{
		dev:      dev,
		ports:    transport.SystemPorts{},
		open:     OpenSerial,
		tune:     transport.TuneReceiveBuffer,
		presence: presence,
		interval: SerialInterval,
		sleep:    protocol.SleepContext,
		logger:   dev.logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Device возвращает устройство менеджера.
func (m *SerialManager) Device() *Device { return m.dev }

// State возвращает текущее состояние менеджера.
func (m *SerialManager) State() SerialState { return m.state }

// Run крутит цикл до принудительного закрытия устройства или отмены ctx.
func (m *SerialManager) Run(ctx context.Context) error {
	defer m.reset()
	for {
		if m.dev.ForceClosed() {
			m.logger.Info("устройство закрыто, менеджер завершен")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		m.Step(ctx)
		if !sleep(ctx, m.sleep, m.interval) {
			return nil
		}
	}
}

// Step выполняет один шаг автомата.
func (m *SerialManager) Step(ctx context.Context) {
	switch m.state {
	case Searching:
		m.find()
	case ClientCreated:
		if m.dev.Connected() {
			m.logger.Info("соединение установлено", "port", m.dev.id.Port)
			m.state = Connected
		} else {
			m.logger.Warn("порт открыт, но канал не активен")
			m.reset()
		}
	case Connected:
		err := activate(ctx, m.dev)
		if m.fail(err) {
			return
		}
		m.state = ReadingActive
	case ReadingActive:
		err := configure(ctx, m.dev)
		if m.fail(err) {
			return
		}
		m.logger.Info("устройство настроено, захват активирован")
		m.state = Configured
	case Configured:
		m.monitor()
	}
}

func (m *SerialManager) find() {
	port := m.dev.id.Port
	present, ports, err := transport.PortPresent(m.ports, port)
	if err != nil {
		m.logger.Warn("ошибка перечисления портов", "error", err)
		return
	}
	if !present {
		m.logger.Info("порт не найден", "port", port, "available", ports)
		return
	}

	if err := m.tune(port); err != nil {
		m.logger.Debug("подготовка порта", "port", port, "error", err)
	}
	link, err := m.open(transport.SerialConfig{Port: port, BaudRate: m.dev.id.BaudRate}, m.dev.Handler())
	if err != nil {
		m.logger.Error("не удалось открыть порт", "port", port, "error", err)
		return
	}
	m.dev.Attach(link)
	m.presence.Attach(m.dev.Name(), m.dev)
	m.logger.Info("порт открыт", "port", port, "baud", m.dev.id.BaudRate)
	m.state = ClientCreated
}

func (m *SerialManager) monitor() {
	if !m.dev.Connected() {
		m.logger.Warn("соединение потеряно, повторный поиск")
		m.reset()
		return
	}
	present, _, err := transport.PortPresent(m.ports, m.dev.id.Port)
	if err == nil && !present {
		m.logger.Warn("порт исчез, повторный поиск", "port", m.dev.id.Port)
		m.reset()
	}
}

// fail обрабатывает ошибку шага: транспортный сбой сбрасывает автомат.
func (m *SerialManager) fail(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, protocol.ErrStopped) || errors.Is(err, context.Canceled) {
		return true
	}
	m.logger.Error("ошибка соединения, повторный поиск", "error", err)
	m.reset()
	return true
}

func (m *SerialManager) reset() {
	if m.state == Searching {
		return
	}
	m.dev.Detach()
	m.presence.Detach(m.dev.Name())
	m.state = Searching
}

var _ Manager = (*SerialManager)(nil)

