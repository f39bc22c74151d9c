// Package agent запускает менеджеры соединений всех устройств и
// вспомогательные задачи процесса.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/config"
	"github.com/serebryakov7/ls3-gauge/internal/console"
	"github.com/serebryakov7/ls3-gauge/internal/device"
	"github.com/serebryakov7/ls3-gauge/internal/metrics"
	"github.com/serebryakov7/ls3-gauge/internal/onboard"
	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/internal/registry"
	"github.com/serebryakov7/ls3-gauge/internal/transport"
	"github.com/serebryakov7/ls3-gauge/pkg/mqtt"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

// Options - внешние зависимости оркестратора. Пустые поля получают значения
// по умолчанию.
type Options struct {
	Logger *slog.Logger

	// Console включает консоль оператора на In/Out.
	Console bool
	In      io.Reader
	Out     io.Writer

	Catalog onboard.Recorder
	// Files - источник списка сохраненных файлов для консоли; обычно тот же каталог.
	Files FileLister
	Plot  func(path, kind string)

	// Finder используется для Bluetooth-устройств; по умолчанию - системный адаптер.
	Finder           transport.Finder
	SerialOptions    []device.SerialOption
	BluetoothOptions []device.BluetoothOption
	ProtocolOptions  []protocol.Option
}

// FileLister перечисляет записи каталога.
type FileLister interface {
	List(bucket string) ([]storage.Entry, error)
}

// Orchestrator владеет устройствами, реестром и вспомогательными задачами.
type Orchestrator struct {
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics
	mqtt     *mqtt.MQTTClient
	managers []device.Manager
	commands []string

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New собирает устройства и менеджеры по конфигурации.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger,
		metrics: metrics.New(),
	}
	o.registry = registry.New(o.metrics.SetActive)

	for name := range protocol.WithBuiltins(cfg.Commands) {
		o.commands = append(o.commands, name)
	}
	sort.Strings(o.commands)

	deps := device.Deps{
		Logger:   opts.Logger,
		Observer: o.metrics,
		Catalog:  opts.Catalog,
		Plot:     opts.Plot,
	}
	if cfg.MQTT.Broker != "" {
		o.mqtt = mqtt.NewClient(mqtt.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Topic:          cfg.MQTT.Topic,
			EventTopic:     cfg.MQTT.EventTopic,
			CommandTopic:   cfg.MQTT.CommandTopic,
			UpdateInterval: cfg.MQTT.UpdateInterval,
		}, o.snapshot, o.Execute, opts.Logger)
		deps.Events = o.mqtt
	}

	for _, id := range cfg.Identities() {
		dev := device.New(cfg, id, deps, opts.ProtocolOptions...)
		switch id.Connection {
		case config.ConnectionUSB:
			o.managers = append(o.managers, device.NewSerialManager(dev, o.registry, opts.SerialOptions...))
		case config.ConnectionBluetooth:
			if o.opts.Finder == nil {
				o.opts.Finder = transport.NewCentral(bluetooth.DefaultAdapter, transport.BLEConfig{
					NotifyUUID: cfg.Bluetooth.UARTTxCharUUID,
					WriteUUID:  cfg.Bluetooth.UARTRxCharUUID,
				})
			}
			bopts := append([]device.BluetoothOption{
				device.WithScanTimeout(cfg.Bluetooth.ScanTimeout()),
			}, opts.BluetoothOptions...)
			o.managers = append(o.managers, device.NewBluetoothManager(dev, o.opts.Finder, o.registry, bopts...))
		default:
			return nil, fmt.Errorf("устройство %s: неизвестный тип соединения %q", id.Name, id.Connection)
		}
	}
	return o, nil
}

// Registry возвращает реестр активных устройств.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Metrics возвращает счетчики процесса.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Devices возвращает все сконфигурированные устройства с признаком активности.
func (o *Orchestrator) Devices() []registry.Entry {
	live := make(map[string]bool)
	for _, name := range o.registry.Live() {
		live[name] = true
	}
	out := make([]registry.Entry, 0, len(o.managers))
	for _, m := range o.managers {
		name := m.Device().Name()
		out = append(out, registry.Entry{Name: name, Active: live[name]})
	}
	return out
}

// Commands возвращает имена известных команд.
func (o *Orchestrator) Commands() []string { return o.commands }

// Files возвращает сохраненные захваты и записи бортового журнала по времени сохранения.
func (o *Orchestrator) Files() ([]storage.Entry, error) {
	if o.opts.Files == nil {
		return nil, nil
	}
	var out []storage.Entry
	for _, bucket := range []string{storage.BucketCaptures, storage.BucketOnboard} {
		entries, err := o.opts.Files.List(bucket)
		if err != nil {
			return nil, fmt.Errorf("каталог %s: %w", bucket, err)
		}
		out = append(out, entries...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SavedAt.Before(out[j].SavedAt) })
	return out, nil
}

// Execute выполняет команду оператора или сервера.
func (o *Orchestrator) Execute(ctx context.Context, cmd common.ServerCommand) error {
	switch cmd.Type {
	case common.CommandTypeSend:
		if cmd.Params.Command == "" {
			return fmt.Errorf("не указана команда")
		}
		return o.registry.Send(ctx, cmd.Params.Command, cmd.Params.Device)
	case common.CommandTypeQuit:
		o.logger.Info("завершение работы: закрытие всех устройств")
		err := o.registry.Broadcast(ctx, protocol.CmdForceClose)
		o.cancelMu.Lock()
		if o.cancel != nil {
			o.cancel()
		}
		o.cancelMu.Unlock()
		return err
	default:
		return fmt.Errorf("неизвестный тип команды: %q", cmd.Type)
	}
}

func (o *Orchestrator) snapshot() any {
	out := make([]device.Status, 0, len(o.managers))
	for _, m := range o.managers {
		out = append(out, m.Device().Status())
	}
	return out
}

// Run запускает по задаче на устройство и вспомогательные задачи. Возвращает
// управление, когда завершены все задачи устройств.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelMu.Lock()
	o.cancel = cancel
	o.cancelMu.Unlock()

	auxCtx, auxCancel := context.WithCancel(ctx)
	defer auxCancel()
	aux, auxCtx := errgroup.WithContext(auxCtx)

	if o.opts.Console && o.opts.In != nil {
		out := o.opts.Out
		if out == nil {
			out = io.Discard
		}
		con := console.New(o.opts.In, out, o, o.logger)
		aux.Go(func() error { return con.Run(auxCtx) })
	}
	if o.mqtt != nil {
		aux.Go(func() error { return o.mqtt.Run(auxCtx) })
	}
	if addr := o.cfg.Metrics.Addr; addr != "" {
		aux.Go(func() error { return o.metrics.Serve(auxCtx, addr, o.logger) })
	}

	o.logger.Info("запуск устройств", "count", len(o.managers))
	var devices errgroup.Group
	for _, m := range o.managers {
		devices.Go(func() error {
			name := m.Device().Name()
			if err := device.Guard(o.logger, name, func() error { return m.Run(ctx) }); err != nil {
				o.logger.Error("задача устройства завершена с ошибкой", "device", name, "error", err)
			}
			return nil
		})
	}
	_ = devices.Wait()
	o.logger.Info("все устройства завершены")

	auxCancel()
	return aux.Wait()
}
