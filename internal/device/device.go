// Package device связывает соединение с LS3, декодер телеметрии, автомат
// захвата и движок команд, и управляет жизненным циклом соединений.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/capture"
	"github.com/serebryakov7/ls3-gauge/internal/config"
	"github.com/serebryakov7/ls3-gauge/internal/frame"
	"github.com/serebryakov7/ls3-gauge/internal/onboard"
	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/internal/transport"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

// PlotKindCapture передается в PlotHook для файлов захвата.
const PlotKindCapture = "capture"

const captureFileLayout = "20060102_150405"

// Observer получает счетчики устройства.
type Observer interface {
	FramesDecoded(device string, n int)
	BytesDiscarded(device string, n uint64)
	CaptureSaved(device string, lines int)
	CommandRetried(device, command string)
}

// EventPublisher публикует события устройства.
type EventPublisher interface {
	PublishEvent(ev common.Event)
}

// Deps - общие зависимости устройств процесса. Все поля необязательны.
type Deps struct {
	Logger   *slog.Logger
	Observer Observer
	Events   EventPublisher
	Catalog  onboard.Recorder
	Plot     func(path, kind string)
	Now      func() time.Time
}

// Status - снимок состояния устройства для внешних потребителей.
type Status struct {
	Name       string                 `json:"name"`
	Connection config.ConnectionType  `json:"connection"`
	Connected  bool                   `json:"connected"`
	RxCount    uint64                 `json:"rx_count"`
	Capture    string                 `json:"capture"`
	Last       common.TelemetryRecord `json:"last"`
}

// Device - соединение с одним LS3. Данные поступают из горутины транспорта,
// команды выполняются из горутины менеджера или консоли; общее состояние
// защищено mu.
type Device struct {
	id      config.Identity
	logger  *slog.Logger
	obs     Observer
	events  EventPublisher
	catalog onboard.Recorder
	plot    func(path, kind string)
	now     func() time.Time
	dataDir string
	autoPlt bool

	mu      sync.Mutex
	decoder *frame.Decoder
	capture *capture.Engine
	rxCount uint64
	last    common.TelemetryRecord
	link    transport.Transport

	forceClosed atomic.Bool

	engine *protocol.Engine
}

// New создает устройство по описанию id.
func New(cfg *config.Config, id config.Identity, deps Deps, opts ...protocol.Option) *Device {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", id.Name)

	d := &Device{
		id:      id,
		logger:  logger,
		obs:     deps.Observer,
		events:  deps.Events,
		catalog: deps.Catalog,
		plot:    deps.Plot,
		now:     deps.Now,
		dataDir: cfg.Path.Data,
		autoPlt: cfg.Capture.AutoGeneratePlot,
	}
	if d.obs == nil {
		d.obs = nopObserver{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.decoder = frame.NewDecoder(cfg.MessageCode, logger)
	d.capture = capture.NewEngine(id.Name, capture.SettingsFrom(cfg.Capture), capture.SinkFunc(d.saveCapture), logger)

	opts = append([]protocol.Option{
		protocol.WithLogger(logger),
		protocol.WithClock(d.now),
		protocol.WithRetryHook(func(command string) { d.obs.CommandRetried(id.Name, command) }),
	}, opts...)
	d.engine = protocol.NewEngine(cfg.Commands, d, lockedCapture{d}, opts...)

	if settings, err := onboard.SettingsFor(cfg, id); err != nil {
		logger.Warn("выгрузка бортового журнала недоступна", "error", err)
	} else {
		ropts := []onboard.Option{onboard.WithLogger(logger)}
		if deps.Catalog != nil {
			ropts = append(ropts, onboard.WithRecorder(deps.Catalog))
		}
		if deps.Plot != nil {
			ropts = append(ropts, onboard.WithPlotHook(deps.Plot))
		}
		d.engine.SetOnboard(onboard.NewRetriever(settings, d.engine, d, ropts...))
	}
	return d
}

// Name возвращает имя устройства.
func (d *Device) Name() string { return d.id.Name }

// Identity возвращает описание устройства.
func (d *Device) Identity() config.Identity { return d.id }

// Connection возвращает тип транспорта устройства.
func (d *Device) Connection() config.ConnectionType { return d.id.Connection }

// Commands возвращает имена известных команд.
func (d *Device) Commands() []string { return d.engine.Commands() }

// Send выполняет команду по имени.
func (d *Device) Send(ctx context.Context, name string) error {
	return d.engine.Send(ctx, name)
}

// Handler возвращает обработчик событий транспорта для этого устройства.
func (d *Device) Handler() transport.Handler {
	return transport.Handler{
		OnData: d.HandleChunk,
		OnLost: func(err error) {
			d.logger.Warn("соединение потеряно", "error", err)
		},
	}
}

// HandleChunk принимает порцию байтов от транспорта.
func (d *Device) HandleChunk(chunk []byte, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	before := d.decoder.Stats().DiscardedBytes
	d.decoder.Feed(chunk, at)

	n := 0
	for rec := range d.decoder.All() {
		n++
		d.rxCount++
		d.last = rec
		if rate, ok := rec.SampleRate(); ok {
			d.capture.SetRate(rate)
		}
		if err := d.capture.Observe(rec, rec.CSVLine(d.id.Name)); err != nil {
			d.logger.Debug("запись пропущена автоматом захвата", "error", err)
		}
	}

	if n > 0 {
		d.obs.FramesDecoded(d.id.Name, n)
	}
	if discarded := d.decoder.Stats().DiscardedBytes - before; discarded > 0 {
		d.obs.BytesDiscarded(d.id.Name, discarded)
	}
}

// Snapshot возвращает текущие счетчик приема и расшифрованные поля.
func (d *Device) Snapshot() protocol.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return protocol.Snapshot{
		RxCount:     d.rxCount,
		WorkingMode: d.last.WorkingModeParsed,
		MeasureMode: d.last.MeasureModeParsed,
		Unit:        d.last.UnitParsed,
		Speed:       d.last.SpeedParsed,
	}
}

// Status возвращает снимок состояния устройства.
func (d *Device) Status() Status {
	connected := d.Connected()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Name:       d.id.Name,
		Connection: d.id.Connection,
		Connected:  connected,
		RxCount:    d.rxCount,
		Capture:    d.capture.State().String(),
		Last:       d.last,
	}
}

// Attach подключает открытый канал.
func (d *Device) Attach(link transport.Transport) {
	d.mu.Lock()
	d.link = link
	d.mu.Unlock()
	d.publish(common.Event{Type: common.EventConnected})
}

// Detach закрывает и отключает канал, если он есть.
func (d *Device) Detach() {
	d.mu.Lock()
	link := d.link
	d.link = nil
	d.decoder.Reset()
	d.mu.Unlock()

	if link == nil {
		return
	}
	if err := link.Close(); err != nil {
		d.logger.Debug("закрытие канала", "error", err)
	}
	d.publish(common.Event{Type: common.EventDisconnected})
}

// Connected сообщает, есть ли живой канал.
func (d *Device) Connected() bool {
	d.mu.Lock()
	link := d.link
	d.mu.Unlock()
	return link != nil && link.Connected()
}

// Write отправляет байты в канал.
func (d *Device) Write(ctx context.Context, p []byte) error {
	d.mu.Lock()
	link := d.link
	d.mu.Unlock()
	if link == nil {
		return fmt.Errorf("%w: нет соединения с %s", common.ErrTransport, d.id.Name)
	}
	return link.Write(ctx, p)
}

// Cleanup закрывает канал устройства.
func (d *Device) Cleanup(context.Context) error {
	d.Detach()
	return nil
}

// ForceClose помечает устройство как принудительно закрытое.
func (d *Device) ForceClose() { d.forceClosed.Store(true) }

// ForceClosed сообщает, было ли устройство закрыто принудительно.
func (d *Device) ForceClosed() bool { return d.forceClosed.Load() }

// ArmCapture задает буфер предыстории по текущей частоте и взводит захват.
func (d *Device) ArmCapture() {
	d.mu.Lock()
	defer d.mu.Unlock()
	rate, ok := d.last.SampleRate()
	if !ok {
		d.logger.Warn("частота опроса неизвестна, буфер предыстории пуст", "speed", d.last.SpeedParsed)
	}
	d.capture.InitPreCapture(rate)
	d.capture.Activate()
}

// CaptureState возвращает состояние автомата захвата.
func (d *Device) CaptureState() capture.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capture.State()
}

// SetLineMode переключает буфер приема в режим строк.
func (d *Device) SetLineMode(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoder.SetLineMode(on)
}

// ResetLines очищает буфер приема.
func (d *Device) ResetLines() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoder.Reset()
}

// Lines возвращает содержимое буфера приема, разбитое на строки.
func (d *Device) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoder.Lines()
}

// saveCapture вызывается автоматом захвата под d.mu.
func (d *Device) saveCapture(res capture.Result) error {
	savedAt := d.now()
	name := fmt.Sprintf("%s_%s.csv", savedAt.Format(captureFileLayout), d.id.Name)
	path := filepath.Join(d.dataDir, name)

	if _, err := storage.WriteLines(path, res.Lines, true); err != nil {
		d.logger.Error("ошибка записи файла захвата", "path", path, "error", err)
		return err
	}
	id := ulid.Make().String()
	d.logger.Info("захват сохранен", "path", path, "lines", len(res.Lines), "id", id)
	d.obs.CaptureSaved(d.id.Name, len(res.Lines))

	if d.catalog != nil {
		entry := storage.Entry{
			ID:        id,
			Device:    d.id.Name,
			Path:      path,
			Lines:     len(res.Lines),
			StartedAt: res.Started,
			SavedAt:   savedAt,
		}
		if err := d.catalog.Put(storage.BucketCaptures, id, entry); err != nil {
			d.logger.Warn("ошибка записи в каталог", "error", err)
		}
	}
	d.publish(common.Event{Type: common.EventCaptureSaved, ID: id, Path: path, Lines: len(res.Lines)})

	if d.autoPlt && d.plot != nil {
		go d.plot(path, PlotKindCapture)
	}
	return nil
}

func (d *Device) publish(ev common.Event) {
	if d.events == nil {
		return
	}
	ev.Device = d.id.Name
	ev.Time = d.now()
	d.events.PublishEvent(ev)
}

// lockedCapture - управление автоматом захвата из горутины команд.
type lockedCapture struct{ d *Device }

func (c lockedCapture) Start(now time.Time) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.capture.Start(now)
}

func (c lockedCapture) Stop() {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.capture.Stop()
}

func (c lockedCapture) StopNow() {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.capture.StopNow()
}

func (c lockedCapture) Activate() {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.capture.Activate()
}

func (c lockedCapture) Deactivate() {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.capture.Deactivate()
}

type nopObserver struct{}

func (nopObserver) FramesDecoded(string, int)     {}
func (nopObserver) BytesDiscarded(string, uint64) {}
func (nopObserver) CaptureSaved(string, int)      {}
func (nopObserver) CommandRetried(string, string) {}
