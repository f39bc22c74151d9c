// Package onboard выгружает записи бортового журнала LS3 в файлы.
package onboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/config"
	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

const (
	endMarker    = "End"
	pollInterval = 1 * time.Second
	modeSwitch   = 500 * time.Millisecond

	// PlotKind передается в PlotHook для файлов бортового журнала.
	PlotKind = "onboardlogging"
)

// Sender отправляет команды устройству.
type Sender interface {
	Send(ctx context.Context, name string) error
}

// Link - доступ к буферу приема соединения в режиме строк.
type Link interface {
	SetLineMode(on bool)
	ResetLines()
	Lines() []string
}

// Recorder сохраняет сведения о записанных файлах.
type Recorder interface {
	Put(bucket, key string, e storage.Entry) error
}

// Settings - параметры выгрузки для одного устройства.
type Settings struct {
	Device       string
	MAC          string
	Dir          string
	RowIndexList []string

	DateFormatFromLS3 string
	TimeFormatFromLS3 string
	DateFormatSave    string
	TimeFormatSave    string
	Override          bool
	AutoGeneratePlot  bool
}

// SettingsFor собирает Settings из конфигурации для устройства.
func SettingsFor(cfg *config.Config, id config.Identity) (Settings, error) {
	rows, err := cfg.RowIndexList(id.Version)
	if err != nil {
		return Settings{}, err
	}
	ol := cfg.OnboardLogging
	return Settings{
		Device:            id.Name,
		MAC:               id.MAC,
		Dir:               cfg.Path.OnboardLogging,
		RowIndexList:      rows,
		DateFormatFromLS3: ol.CSVDateFormatFromLS3,
		TimeFormatFromLS3: ol.CSVTimeFormatFromLS3,
		DateFormatSave:    ol.CSVDateFormatSave,
		TimeFormatSave:    ol.CSVTimeFormatSave,
		Override:          ol.CSVOverride,
		AutoGeneratePlot:  ol.AutoGeneratePlot,
	}, nil
}

// Retriever последовательно читает записи ReadLog1..ReadLog100.
type Retriever struct {
	settings Settings
	sender   Sender
	link     Link
	recorder Recorder
	plot     func(path, kind string)

	poll   time.Duration
	pause  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option настраивает Retriever.
type Option func(*Retriever)

// WithRecorder сохраняет записанные файлы в каталог.
func WithRecorder(r Recorder) Option { return func(rt *Retriever) { rt.recorder = r } }

// WithPlotHook передает записанные файлы внешнему построителю графиков.
func WithPlotHook(fn func(path, kind string)) Option { return func(rt *Retriever) { rt.plot = fn } }

// WithSleeper подменяет функцию ожидания (для тестов).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(rt *Retriever) { rt.sleep = fn }
}

// WithLogger задает логгер.
func WithLogger(l *slog.Logger) Option { return func(rt *Retriever) { rt.logger = l } }

// NewRetriever создает Retriever.
func NewRetriever(settings Settings, sender Sender, link Link, opts ...Option) *Retriever {
	r := &Retriever{
		settings: settings,
		sender:   sender,
		link:     link,
		poll:     pollInterval,
		pause:    modeSwitch,
		sleep:    protocol.SleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve выгружает бортовой журнал. Останавливается на первой записи, в
// которой строк меньше, чем нужно для даты и времени.
func (r *Retriever) Retrieve(ctx context.Context) error {
	dateIdx := slices.Index(r.settings.RowIndexList, "Date") + 1
	timeIdx := slices.Index(r.settings.RowIndexList, "Time") + 1
	if dateIdx == 0 || timeIdx == 0 {
		return fmt.Errorf("%w: в OnboardLogging_row_index_list нет Date/Time", common.ErrParse)
	}
	minRows := max(dateIdx, timeIdx) + 1

	if err := r.sender.Send(ctx, protocol.CmdDeactivateLogging); err != nil {
		if !errors.Is(err, common.ErrProtocol) {
			return err
		}
		r.logger.Warn("SaveOnboardLogging: DeactivateLogging", "error", err)
	}
	r.link.SetLineMode(true)
	defer r.link.SetLineMode(false)

	if err := r.sleep(ctx, r.pause); err != nil {
		return err
	}

	for i := 1; i <= protocol.ReadLogCount; i++ {
		r.link.ResetLines()
		if err := r.sender.Send(ctx, protocol.ReadLogName(i)); err != nil {
			return fmt.Errorf("ReadLog%d: %w", i, err)
		}
		lines, err := r.await(ctx)
		if err != nil {
			return err
		}
		if len(lines) < minRows {
			r.logger.Info("запись бортового журнала пуста, выгрузка завершена", "index", i)
			return nil
		}
		if err := r.save(i, lines, dateIdx, timeIdx); err != nil {
			r.logger.Error("сохранение записи бортового журнала", "index", i, "error", err)
		}
	}
	return nil
}

// await ждет, пока предпоследней строкой ответа станет маркер End.
func (r *Retriever) await(ctx context.Context) ([]string, error) {
	for {
		lines := r.link.Lines()
		if n := len(lines); n >= 2 && lines[n-2] == endMarker {
			return lines, nil
		}
		if err := r.sleep(ctx, r.poll); err != nil {
			return nil, err
		}
	}
}

func (r *Retriever) save(i int, lines []string, dateIdx, timeIdx int) error {
	date, err := strftime.Parse(r.settings.DateFormatFromLS3, lines[dateIdx])
	if err != nil {
		r.logger.Error("неверный формат даты в бортовом журнале, используется 01.01.1970",
			"index", i, "value", lines[dateIdx], "error", fmt.Errorf("%w: %v", common.ErrParse, err))
		date = time.Unix(0, 0)
	}
	clock, err := strftime.Parse(r.settings.TimeFormatFromLS3, lines[timeIdx])
	if err != nil {
		r.logger.Error("неверный формат времени в бортовом журнале",
			"index", i, "value", lines[timeIdx], "error", fmt.Errorf("%w: %v", common.ErrParse, err))
		clock = time.Unix(int64(i), 0)
	}

	dateStr := strftime.Format(r.settings.DateFormatSave, date)
	timeStr := strftime.Format(r.settings.TimeFormatSave, clock)
	path := filepath.Join(r.settings.Dir, DeviceFolder(r.settings.MAC), dateStr, timeStr+".CSV")

	r.logger.Info("сохранение записи бортового журнала", "index", i, "file", path)
	rows := lines[1 : len(lines)-2]
	written, err := storage.WriteLines(path, rows, r.settings.Override)
	if err != nil {
		return err
	}
	if !written {
		r.logger.Warn("файл уже существует, пропуск", "file", path)
		return nil
	}

	if r.recorder != nil {
		key := DeviceFolder(r.settings.MAC) + "/" + dateStr + "/" + timeStr
		entry := storage.Entry{
			ID:      key,
			Device:  r.settings.Device,
			Path:    path,
			Lines:   len(rows),
			SavedAt: time.Now(),
		}
		if err := r.recorder.Put(storage.BucketOnboard, key, entry); err != nil {
			r.logger.Warn("запись в каталог", "file", path, "error", err)
		}
	}
	if r.settings.AutoGeneratePlot && r.plot != nil {
		go r.plot(path, PlotKind)
	}
	return nil
}

// DeviceFolder формирует имя каталога устройства из последних трех октетов MAC:
// "AA:BB:CC:DD:EE:FF" -> "LSDDEEFF".
func DeviceFolder(mac string) string {
	parts := strings.Split(mac, ":")
	if len(parts) > 3 {
		parts = parts[3:]
	} else {
		parts = nil
	}
	return "LS" + strings.Join(parts, "")
}
