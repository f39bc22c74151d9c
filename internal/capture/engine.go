// Package capture реализует автомат захвата по порогам с буфером
// предыстории (precapture).
package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/config"
)

// State - состояние сессии захвата.
type State int

const (
	Idle State = iota
	Armed
	Running
	Saving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Saving:
		return "saving"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Settings - пороги и длительности захвата.
type Settings struct {
	StartTrigger     float64
	StopTrigger      float64
	MinCaptureTime   time.Duration
	MaxCaptureTime   time.Duration
	PreCaptureTimeS  int
	Single           bool
	AutoGeneratePlot bool
}

// SettingsFrom переводит секцию Capture конфигурации в Settings.
func SettingsFrom(c config.CaptureConfig) Settings {
	return Settings{
		StartTrigger:     c.StartTrigger,
		StopTrigger:      c.StopTrigger,
		MinCaptureTime:   c.MinCaptureTime(),
		MaxCaptureTime:   c.MaxCaptureTime(),
		PreCaptureTimeS:  c.PreCaptureTimeS,
		Single:           c.CaptureMode == config.CaptureModeSingle,
		AutoGeneratePlot: c.AutoGeneratePlot,
	}
}

// Result - завершенный захват, переданный в Sink.
type Result struct {
	Device  string
	Started time.Time
	Lines   []string
}

// Sink сохраняет завершенный захват.
type Sink interface {
	Save(res Result) error
}

// SinkFunc позволяет использовать функцию как Sink.
type SinkFunc func(res Result) error

func (f SinkFunc) Save(res Result) error { return f(res) }

// Engine - автомат захвата одного устройства. Не потокобезопасен.
type Engine struct {
	device   string
	settings Settings
	sink     Sink
	logger   *slog.Logger

	activated   bool
	running     bool
	stopTrigger bool
	startTime   time.Time

	buffer []string
	ring   *Ring[string]
	rate   int
}

// NewEngine создает автомат в состоянии Idle.
func NewEngine(device string, settings Settings, sink Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		device:   device,
		settings: settings,
		sink:     sink,
		logger:   logger,
		ring:     NewRing[string](0),
	}
}

// State вычисляет текущее состояние по флагам.
func (e *Engine) State() State {
	switch {
	case !e.activated:
		return Idle
	case e.running:
		return Running
	case e.stopTrigger:
		return Saving
	default:
		return Armed
	}
}

// InitPreCapture задает емкость буфера предыстории: rate × PreCaptureTime_s.
func (e *Engine) InitPreCapture(rate int) {
	e.rate = rate
	e.ring = NewRing[string](rate * e.settings.PreCaptureTimeS)
}

// SetRate изменяет емкость буфера предыстории при смене частоты опроса.
func (e *Engine) SetRate(rate int) {
	if rate <= 0 || rate == e.rate {
		return
	}
	e.rate = rate
	e.ring.Resize(rate * e.settings.PreCaptureTimeS)
}

// PreCapture возвращает содержимое буфера предыстории от старого к новому.
func (e *Engine) PreCapture() []string { return e.ring.Items() }

// Buffered возвращает текущее содержимое буфера захвата.
func (e *Engine) Buffered() []string { return append([]string(nil), e.buffer...) }

// Observe применяет одну запись телеметрии к автомату. line - строка файла захвата.
func (e *Engine) Observe(rec common.TelemetryRecord, line string) error {
	if !e.activated {
		return nil
	}
	now := rec.ArrivedAt

	switch e.State() {
	case Armed:
		value, err := rec.Value()
		if err != nil {
			e.ring.Push(line)
			return err
		}
		if value >= e.settings.StartTrigger {
			e.running = true
			e.startTime = now
			e.buffer = append(e.buffer, line)
			e.logger.Info("захват запущен", "value", value)
			return nil
		}
		e.ring.Push(line)
		return nil

	case Running:
		e.buffer = append(e.buffer, line)
		elapsed := now.Sub(e.startTime)
		if elapsed >= e.settings.MaxCaptureTime {
			e.stopTrigger = true
			e.running = false
			e.logger.Info("захват остановлен (превышен MaxCaptureTime_s)", "elapsed", elapsed)
			return nil
		}
		value, err := rec.Value()
		if err != nil && !e.stopTrigger {
			return err
		}
		if e.stopTrigger || value <= e.settings.StopTrigger {
			if !e.stopTrigger {
				e.stopTrigger = true
				e.logger.Info("установлен триггер остановки захвата", "value", value)
			}
			if elapsed >= e.settings.MinCaptureTime {
				e.running = false
				e.logger.Info("захват остановлен", "elapsed", elapsed)
			}
		}
		return nil

	case Saving:
		// Запись, пришедшая после остановки, тоже попадает в файл: сохраняются
		// все записи захвата, включая ту, что переводит автомат в Saving.
		e.buffer = append(e.buffer, line)
		return e.save()
	}
	return nil
}

func (e *Engine) save() error {
	e.logger.Info("сохранение захвата", "precapture", e.ring.Len(), "captured", len(e.buffer))
	lines := append(e.ring.Items(), e.buffer...)
	res := Result{Device: e.device, Started: e.startTime, Lines: lines}

	var err error
	if e.sink != nil {
		err = e.sink.Save(res)
	}

	e.buffer = nil
	e.ring.Clear()
	e.stopTrigger = false
	e.logger.Info("триггер остановки снят, захват готов")

	if e.settings.Single {
		e.activated = false
		e.logger.Info("захват деактивирован (режим single)")
	}
	return err
}

// Start запускает захват вручную.
func (e *Engine) Start(now time.Time) {
	e.activated = true
	e.running = true
	e.startTime = now
}

// Stop выставляет триггер остановки; захват завершится после MinCaptureTime.
func (e *Engine) Stop() { e.stopTrigger = true }

// StopNow немедленно завершает захват; сохранение произойдет на следующей записи.
func (e *Engine) StopNow() {
	e.stopTrigger = true
	e.running = false
}

// Activate взводит автомат.
func (e *Engine) Activate() { e.activated = true }

// Deactivate переводит автомат в Idle и очищает буферы.
func (e *Engine) Deactivate() {
	e.activated = false
	e.running = false
	e.stopTrigger = false
	e.buffer = nil
	e.ring.Clear()
}
