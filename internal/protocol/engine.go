package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/config"
)

const (
	// DefaultSettle - пауза между отправкой команды и проверкой результата.
	DefaultSettle = 2 * time.Second
)

var (
	// ErrUnknownCommand - команда не описана в таблице команд.
	ErrUnknownCommand = fmt.Errorf("%w: команда не определена", common.ErrProtocol)
	// ErrUnsupported - команда не поддерживается на транспорте устройства.
	ErrUnsupported = fmt.Errorf("%w: команда не поддерживается транспортом", common.ErrProtocol)

	waitPattern = regexp.MustCompile(`Wait([0-9]+)`)
	rawPattern  = regexp.MustCompile(`RawCMD_([^_]+)_([TFtf])`)
)

// Target - соединение с устройством, на которое работает движок.
type Target interface {
	Name() string
	Connection() config.ConnectionType
	Write(ctx context.Context, p []byte) error
	Snapshot() Snapshot
	Cleanup(ctx context.Context) error
	ForceClose()
	ForceClosed() bool
}

// CaptureControl - ручное управление флагами захвата.
type CaptureControl interface {
	Start(now time.Time)
	Stop()
	StopNow()
	Activate()
	Deactivate()
}

// OnboardRetriever выгружает бортовой журнал устройства.
type OnboardRetriever interface {
	Retrieve(ctx context.Context) error
}

// Engine отправляет команды LS3 и дожидается их подтверждения по телеметрии.
type Engine struct {
	commands map[string]config.Command
	target   Target
	capture  CaptureControl
	onboard  OnboardRetriever

	settle  time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	onRetry func(command string)
	logger  *slog.Logger
}

// Option настраивает Engine.
type Option func(*Engine)

// WithSettle задает паузу перед проверкой результата команды.
func WithSettle(d time.Duration) Option { return func(e *Engine) { e.settle = d } }

// WithSleeper подменяет функцию ожидания (для тестов).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRetryHook вызывается при каждой повторной отправке команды.
func WithRetryHook(fn func(command string)) Option { return func(e *Engine) { e.onRetry = fn } }

// WithLogger задает логгер.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine создает движок для одного устройства. Таблица команд дополняется
// встроенными командами (ReadLog*, составные).
func NewEngine(commands map[string]config.Command, target Target, capture CaptureControl, opts ...Option) *Engine {
	e := &Engine{
		commands: WithBuiltins(commands),
		target:   target,
		capture:  capture,
		settle:   DefaultSettle,
		sleep:    SleepContext,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetOnboard подключает выгрузку бортового журнала.
func (e *Engine) SetOnboard(r OnboardRetriever) { e.onboard = r }

// Commands возвращает имена всех известных команд в алфавитном порядке.
func (e *Engine) Commands() []string {
	names := make([]string, 0, len(e.commands))
	for name := range e.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send выполняет команду по имени.
func (e *Engine) Send(ctx context.Context, name string) error {
	if m := waitPattern.FindStringSubmatch(name); m != nil {
		secs, _ := strconv.Atoi(m[1])
		e.logger.Info("ожидание", "seconds", secs)
		err := e.sleep(ctx, time.Duration(secs)*time.Second)
		e.logger.Info("ожидание завершено", "seconds", secs)
		return err
	}
	if m := rawPattern.FindStringSubmatch(name); m != nil {
		return e.sendRaw(ctx, m[1], strings.EqualFold(m[2], "T"))
	}

	cmd, ok := e.commands[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	conn := e.target.Connection()
	if !cmd.SupportedProtocol.Supports(conn) {
		return fmt.Errorf("%w: %q через %s", ErrUnsupported, name, conn)
	}

	switch name {
	case CmdForceClose:
		return e.forceClose(ctx)
	case CmdSaveOnboardLogging:
		return e.saveOnboardLogging(ctx)
	case CmdStartCapture:
		e.logger.Info("запуск захвата (вручную)")
		e.capture.Start(e.now())
		return nil
	case CmdStopCapture:
		e.logger.Info("остановка захвата (вручную)")
		e.capture.Stop()
		return nil
	case CmdStopCaptureNow:
		e.logger.Info("немедленная остановка захвата (вручную)")
		e.capture.StopNow()
		return nil
	case CmdActivateCapture:
		e.logger.Info("захват активирован (вручную)")
		e.capture.Activate()
		return nil
	case CmdDeactivateCapture:
		e.logger.Info("захват деактивирован (вручную)")
		e.capture.Deactivate()
		return nil
	}

	return e.sendConfirmed(ctx, name, cmd)
}

func (e *Engine) sendRaw(ctx context.Context, hexCode string, withCRC bool) error {
	if withCRC {
		built, err := Build(hexCode)
		if err != nil {
			return err
		}
		hexCode = built
	}
	payload, err := DecodeHex(hexCode)
	if err != nil {
		return err
	}
	e.logger.Info("отправка RawCMD", "hex", hexCode)
	return e.target.Write(ctx, payload)
}

func (e *Engine) sendConfirmed(ctx context.Context, name string, cmd config.Command) error {
	payload, err := DecodeHex(cmd.HexCode)
	if err != nil {
		return err
	}
	accept, err := PredicateFor(name, cmd)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrProtocol, name, err)
	}

	return Retry(ctx, RetrySpec{
		Send: func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				e.logger.Info("повтор команды", "command", name, "attempt", attempt)
				if e.onRetry != nil {
					e.onRetry(name)
				}
			} else {
				e.logger.Info("отправка команды", "command", name)
			}
			return e.target.Write(ctx, payload)
		},
		Settle:  e.settle,
		Sleep:   e.sleep,
		Observe: e.target.Snapshot,
		Accept:  accept,
		Stopped: e.target.ForceClosed,
	})
}

func (e *Engine) forceClose(ctx context.Context) error {
	if err := e.Send(ctx, CmdStopCaptureNow); err != nil {
		e.logger.Warn("ForceClose: остановка захвата", "error", err)
	}
	if err := e.Send(ctx, CmdDeactivateLogging); err != nil && !errors.Is(err, ErrUnknownCommand) {
		e.logger.Warn("ForceClose: отключение передачи данных", "error", err)
	}
	if err := e.target.Cleanup(ctx); err != nil {
		e.logger.Warn("ForceClose: закрытие соединения", "error", err)
	}
	e.target.ForceClose()
	return nil
}

func (e *Engine) saveOnboardLogging(ctx context.Context) error {
	if e.onboard == nil {
		return fmt.Errorf("%w: выгрузка бортового журнала не настроена", common.ErrProtocol)
	}
	err := e.onboard.Retrieve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
		return err
	}
	if actErr := e.Send(ctx, CmdActivateLogging); actErr != nil {
		return errors.Join(err, actErr)
	}
	return err
}
