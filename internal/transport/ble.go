package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/serebryakov7/ls3-gauge/common"
)

// Finder ищет BLE-устройство по адресу. Если устройство не найдено за
// timeout, возвращается (nil, nil).
type Finder interface {
	Find(ctx context.Context, address string, timeout time.Duration) (Peripheral, error)
}

// Peripheral - найденное устройство, к которому можно подключиться.
type Peripheral interface {
	Connect(ctx context.Context, h Handler) (Transport, error)
}

// BLEConfig - UUID характеристик UART-сервиса LS3.
type BLEConfig struct {
	// NotifyUUID - характеристика, через которую устройство шлет телеметрию.
	NotifyUUID string
	// WriteUUID - характеристика для команд.
	WriteUUID string
}

// Central владеет BLE-адаптером. Сканирование адаптера не может идти
// параллельно, поэтому поиски разных устройств сериализуются.
type Central struct {
	adapter *bluetooth.Adapter
	cfg     BLEConfig

	enableOnce sync.Once
	enableErr  error
	scanMu     sync.Mutex

	linksMu sync.Mutex
	links   map[string]*BLELink
}

// NewCentral создает Central для адаптера (обычно bluetooth.DefaultAdapter).
func NewCentral(adapter *bluetooth.Adapter, cfg BLEConfig) *Central {
	return &Central{
		adapter: adapter,
		cfg:     cfg,
		links:   make(map[string]*BLELink),
	}
}

func (c *Central) enable() error {
	c.enableOnce.Do(func() {
		if err := c.adapter.Enable(); err != nil {
			c.enableErr = fmt.Errorf("%w: включение BLE-адаптера: %v", common.ErrTransport, err)
			return
		}
		c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			c.linksMu.Lock()
			link := c.links[strings.ToUpper(device.Address.String())]
			c.linksMu.Unlock()
			if link != nil {
				link.markLost(fmt.Errorf("%w: устройство %s отключилось", common.ErrTransport, device.Address.String()))
			}
		})
	})
	return c.enableErr
}

// Find сканирует эфир, пока не встретит устройство с адресом address.
func (c *Central) Find(ctx context.Context, address string, timeout time.Duration) (Peripheral, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	found := make(chan bluetooth.Address, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !strings.EqualFold(r.Address.String(), address) {
				return
			}
			select {
			case found <- r.Address:
			default:
			}
			a.StopScan()
		})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case addr := <-found:
		<-done
		return &blePeripheral{central: c, address: addr}, nil
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: сканирование: %v", common.ErrTransport, err)
		}
		select {
		case addr := <-found:
			return &blePeripheral{central: c, address: addr}, nil
		default:
			return nil, nil
		}
	case <-timer.C:
		c.adapter.StopScan()
		<-done
		return nil, nil
	case <-ctx.Done():
		c.adapter.StopScan()
		<-done
		return nil, ctx.Err()
	}
}

type blePeripheral struct {
	central *Central
	address bluetooth.Address
}

// Connect устанавливает GATT-соединение и подписывается на уведомления.
func (p *blePeripheral) Connect(_ context.Context, h Handler) (Transport, error) {
	c := p.central
	notifyUUID, err := bluetooth.ParseUUID(c.cfg.NotifyUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: UUID %q: %v", common.ErrTransport, c.cfg.NotifyUUID, err)
	}
	writeUUID, err := bluetooth.ParseUUID(c.cfg.WriteUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: UUID %q: %v", common.ErrTransport, c.cfg.WriteUUID, err)
	}

	device, err := c.adapter.Connect(p.address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("%w: подключение к %s: %v", common.ErrTransport, p.address.String(), err)
	}

	services, err := device.DiscoverServices(nil)
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("%w: поиск сервисов %s: %v", common.ErrTransport, p.address.String(), err)
	}
	var notifyChar, writeChar *bluetooth.DeviceCharacteristic
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for i := range chars {
			switch chars[i].UUID() {
			case notifyUUID:
				notifyChar = &chars[i]
			case writeUUID:
				writeChar = &chars[i]
			}
		}
	}
	if notifyChar == nil || writeChar == nil {
		device.Disconnect()
		return nil, fmt.Errorf("%w: у %s нет UART-характеристик", common.ErrTransport, p.address.String())
	}

	link := &BLELink{
		central: c,
		key:     strings.ToUpper(p.address.String()),
		device:  device,
		notify:  notifyChar,
		write:   writeChar,
		handler: h,
	}
	link.connected.Store(true)
	c.linksMu.Lock()
	c.links[link.key] = link
	c.linksMu.Unlock()

	err = notifyChar.EnableNotifications(func(buf []byte) {
		chunk := make([]byte, len(buf))
		copy(chunk, buf)
		h.data(chunk, time.Now())
	})
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("%w: подписка на уведомления %s: %v", common.ErrTransport, p.address.String(), err)
	}
	return link, nil
}

// BLELink - открытое GATT-соединение.
type BLELink struct {
	central *Central
	key     string
	device  bluetooth.Device
	notify  *bluetooth.DeviceCharacteristic
	write   *bluetooth.DeviceCharacteristic
	handler Handler

	writeMu   sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
}

func (l *BLELink) markLost(err error) {
	if l.connected.CompareAndSwap(true, false) {
		l.forget()
		l.handler.lost(err)
	}
}

func (l *BLELink) forget() {
	l.central.linksMu.Lock()
	if l.central.links[l.key] == l {
		delete(l.central.links, l.key)
	}
	l.central.linksMu.Unlock()
}

// Write пишет команду в характеристику RX устройства.
func (l *BLELink) Write(_ context.Context, p []byte) error {
	if !l.connected.Load() {
		return fmt.Errorf("%w: соединение %s закрыто", common.ErrTransport, l.key)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.write.WriteWithoutResponse(p); err != nil {
		return fmt.Errorf("%w: запись в %s: %v", common.ErrTransport, l.key, err)
	}
	return nil
}

func (l *BLELink) Connected() bool { return l.connected.Load() }

// Close отписывается от уведомлений и разрывает соединение.
func (l *BLELink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.connected.Store(false)
		l.forget()
		_ = l.notify.EnableNotifications(nil)
		err = l.device.Disconnect()
	})
	return err
}
