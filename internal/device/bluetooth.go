package device

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/internal/transport"
)

// BluetoothManager ведет соединение с LS3 по Bluetooth LE.
type BluetoothManager struct {
	dev         *Device
	finder      transport.Finder
	presence    Presence
	interval    time.Duration
	monitor     time.Duration
	scanTimeout time.Duration
	sleep       func(context.Context, time.Duration) error
	logger      *slog.Logger

	peripheral transport.Peripheral
}

// BluetoothOption настраивает BluetoothManager.
type BluetoothOption func(*BluetoothManager)

// WithScanTimeout задает длительность поиска устройства.
func WithScanTimeout(d time.Duration) BluetoothOption {
	return func(m *BluetoothManager) { m.scanTimeout = d }
}

// WithBluetoothSleeper подменяет ожидание между шагами.
func WithBluetoothSleeper(fn func(context.Context, time.Duration) error) BluetoothOption {
	return func(m *BluetoothManager) { m.sleep = fn }
}

// WithIntervals задает период цикла и период проверки соединения.
func WithIntervals(loop, monitor time.Duration) BluetoothOption {
	return func(m *BluetoothManager) {
		m.interval = loop
		m.monitor = monitor
	}
}

// NewBluetoothManager создает менеджер для устройства с ConnectionType Bluetooth.
func NewBluetoothManager(dev *Device, finder transport.Finder, presence Presence, opts ...BluetoothOption) *BluetoothManager {
	m := &BluetoothManager{
		dev:         dev,
		finder:      finder,
		presence:    presence,
		interval:    BluetoothInterval,
		monitor:     MonitorInterval,
		scanTimeout: 20 * time.Second,
		sleep:       protocol.SleepContext,
		logger:      dev.logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Device возвращает устройство менеджера.
func (m *BluetoothManager) Device() *Device { return m.dev }

// Run крутит цикл до принудительного закрытия устройства или отмены ctx.
func (m *BluetoothManager) Run(ctx context.Context) error {
	for {
		if m.dev.ForceClosed() {
			m.logger.Info("устройство закрыто, менеджер завершен")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if m.peripheral == nil {
			m.find(ctx)
		} else {
			m.session(ctx)
		}
		if !sleep(ctx, m.sleep, m.interval) {
			return nil
		}
	}
}

func (m *BluetoothManager) find(ctx context.Context) {
	mac := m.dev.id.MAC
	m.logger.Info("поиск устройства", "mac", mac)
	p, err := m.finder.Find(ctx, mac, m.scanTimeout)
	if err != nil {
		m.logger.Error("ошибка поиска", "mac", mac, "error", err)
		return
	}
	if p == nil {
		m.logger.Info("устройство не найдено", "mac", mac)
		return
	}
	m.logger.Info("устройство найдено", "mac", mac)
	m.peripheral = p
}

// session подключается, настраивает устройство и ждет разрыва соединения.
func (m *BluetoothManager) session(ctx context.Context) {
	link, err := m.peripheral.Connect(ctx, m.dev.Handler())
	if err != nil {
		m.logger.Error("не удалось подключиться", "error", err)
		return
	}
	m.dev.Attach(link)
	m.presence.Attach(m.dev.Name(), m.dev)
	m.logger.Info("подключено, уведомления включены")

	defer func() {
		m.dev.Detach()
		m.presence.Detach(m.dev.Name())
		m.peripheral = nil
		m.logger.Info("отключено")
	}()

	if err := activate(ctx, m.dev); err != nil {
		m.stepFailed(err)
		return
	}
	if err := configure(ctx, m.dev); err != nil {
		m.stepFailed(err)
		return
	}
	m.logger.Info("устройство настроено, захват активирован")

	for m.dev.Connected() && !m.dev.ForceClosed() {
		if !sleep(ctx, m.sleep, m.monitor) {
			return
		}
	}
}

func (m *BluetoothManager) stepFailed(err error) {
	if errors.Is(err, protocol.ErrStopped) || errors.Is(err, context.Canceled) {
		return
	}
	m.logger.Error("ошибка соединения, повторный поиск", "error", err)
}

var _ Manager = (*BluetoothManager)(nil)
