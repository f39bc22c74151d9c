package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/internal/registry"
)

const (
	// SerialInterval - период цикла менеджера USB-serial.
	SerialInterval = 5 * time.Second
	// BluetoothInterval - период цикла менеджера Bluetooth.
	BluetoothInterval = 10 * time.Second
	// MonitorInterval - период проверки живого BLE-соединения.
	MonitorInterval = 5 * time.Second
)

// Presence - реестр активных устройств.
type Presence interface {
	Attach(name string, s registry.Sender)
	Detach(name string)
}

// Manager ведет соединение с одним устройством до принудительного закрытия
// или отмены контекста.
type Manager interface {
	Run(ctx context.Context) error
	Device() *Device
}

// configure выполняет InitialCommands и взводит захват. Ошибка возвращается
// только для транспортных сбоев и отмены; ошибки протокола логируются и
// пропускаются.
func configure(ctx context.Context, d *Device) error {
	for _, name := range d.id.InitialCommands {
		if d.ForceClosed() {
			return protocol.ErrStopped
		}
		err := d.Send(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrUnknownCommand):
			d.logger.Error("неизвестная команда в InitialCommands", "command", name, "error", err)
		case errors.Is(err, protocol.ErrUnsupported):
			d.logger.Warn("команда не поддерживается транспортом", "command", name)
		case errors.Is(err, common.ErrProtocol):
			d.logger.Warn("ошибка команды", "command", name, "error", err)
		default:
			return fmt.Errorf("InitialCommands %s: %w", name, err)
		}
	}
	if d.ForceClosed() {
		return protocol.ErrStopped
	}
	d.ArmCapture()
	return nil
}

// activate включает передачу телеметрии.
func activate(ctx context.Context, d *Device) error {
	err := d.Send(ctx, protocol.CmdActivateLogging)
	if err != nil && errors.Is(err, common.ErrProtocol) && !errors.Is(err, protocol.ErrStopped) {
		d.logger.Warn("ActivateLogging", "error", err)
		return nil
	}
	return err
}

// Guard выполняет fn и превращает панику в ошибку, чтобы сбой одного
// устройства не останавливал остальные.
func Guard(logger *slog.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("паника в задаче устройства", "device", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("задача %s: паника: %v", name, r)
		}
	}()
	return fn()
}

func sleep(ctx context.Context, fn func(context.Context, time.Duration) error, d time.Duration) bool {
	return fn(ctx, d) == nil
}
