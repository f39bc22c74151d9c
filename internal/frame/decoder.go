// Package frame разбирает поток байт LS3 на 20-байтовые записи телеметрии
// и, во время чтения бортового журнала, на строки.
package frame

import (
	"bytes"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/config"
)

const (
	// RecordSize - длина одной записи телеметрии.
	RecordSize = 20
	// terminatorOffset - позиция '\r' в корректной записи.
	terminatorOffset = RecordSize - 1
	terminator       = '\r'
	// LineSeparator разделяет строки ответа ReadLog.
	LineSeparator = "\r\n"
)

// Stats - счетчики декодера.
type Stats struct {
	Frames         uint64
	DiscardedBytes uint64
	LookupMisses   uint64
}

// Decoder накапливает принятые байты и выдает записи телеметрии.
// Не потокобезопасен: владелец соединения сериализует вызовы.
type Decoder struct {
	codes  config.MessageCodes
	logger *slog.Logger

	buf      []byte
	lineMode bool

	lastChunk    time.Time
	chunkTime    time.Time
	pendingDelay int64

	// Последние успешно расшифрованные значения кодовых полей
	workingMode string
	measureMode string
	unit        string
	speed       string

	stats Stats
}

// NewDecoder создает декодер с таблицами расшифровки кодов.
func NewDecoder(codes config.MessageCodes, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		codes:  codes,
		logger: logger,
	}
}

// Feed добавляет порцию байт, принятую в момент at.
func (d *Decoder) Feed(chunk []byte, at time.Time) {
	d.buf = append(d.buf, chunk...)
	if d.lineMode {
		return
	}
	if !d.lastChunk.IsZero() {
		d.pendingDelay = at.Sub(d.lastChunk).Microseconds()
	}
	d.lastChunk = at
	d.chunkTime = at
}

// Next выдает не более одной записи. Повторные вызовы допустимы, пока
// возвращается false. В режиме строк записи не выдаются.
func (d *Decoder) Next() (common.TelemetryRecord, bool) {
	if d.lineMode {
		return common.TelemetryRecord{}, false
	}
	for len(d.buf) >= RecordSize {
		idx := bytes.IndexByte(d.buf, terminator)
		switch {
		case idx == -1:
			// Поток поврежден: терминатора нет вообще
			d.discard(len(d.buf))
			return common.TelemetryRecord{}, false
		case idx < terminatorOffset:
			d.discard(idx + 1)
		case idx > terminatorOffset:
			d.discard(idx - terminatorOffset)
		default:
			frame := d.buf[:RecordSize]
			rec := d.decode(frame)
			d.buf = d.buf[RecordSize:]
			d.stats.Frames++
			return rec, true
		}
	}
	return common.TelemetryRecord{}, false
}

// All возвращает ленивую последовательность записей, доступных в буфере.
// Последовательность можно перезапускать после очередного Feed.
func (d *Decoder) All() iter.Seq[common.TelemetryRecord] {
	return func(yield func(common.TelemetryRecord) bool) {
		for {
			rec, ok := d.Next()
			if !ok || !yield(rec) {
				return
			}
		}
	}
}

func (d *Decoder) discard(n int) {
	d.logger.Debug("ресинхронизация потока телеметрии", "dropped", n, "buffered", len(d.buf))
	d.stats.DiscardedBytes += uint64(n)
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

func (d *Decoder) decode(frame []byte) common.TelemetryRecord {
	s := string(frame)
	rec := common.TelemetryRecord{
		WorkingMode:      s[0:1],
		MeasuredValue:    s[1:7],
		MeasureMode:      s[7:8],
		ReferenceZero:    s[8:14],
		ElectricQuantity: (int(frame[14]) - 32) * 2,
		Unit:             s[15:16],
		Speed:            s[16:17],
		ArrivedAt:        d.chunkTime,
		DelayMicros:      d.pendingDelay,
	}
	// Задержка относится только к первой записи порции
	d.pendingDelay = 0

	d.workingMode = d.lookup("WorkingMode", d.codes.WorkingMode, rec.WorkingMode, d.workingMode)
	d.measureMode = d.lookup("MeasureMode", d.codes.MeasureMode, rec.MeasureMode, d.measureMode)
	d.unit = d.lookup("UnitValue", d.codes.UnitValue, rec.Unit, d.unit)
	d.speed = d.lookup("SpeedValue", d.codes.SpeedValue, rec.Speed, d.speed)

	rec.WorkingModeParsed = d.workingMode
	rec.MeasureModeParsed = d.measureMode
	rec.UnitParsed = d.unit
	rec.SpeedParsed = d.speed
	return rec
}

func (d *Decoder) lookup(table string, codes map[string]string, code, prev string) string {
	if v, ok := codes[code]; ok {
		return v
	}
	d.stats.LookupMisses++
	d.logger.Warn("код не найден в таблице MessageCode", "table", table, "code", code)
	return prev
}

// SetLineMode переключает декодер в режим строк (чтение бортового журнала)
// и обратно. Буфер при этом очищается.
func (d *Decoder) SetLineMode(on bool) {
	d.lineMode = on
	d.Reset()
}

// LineMode сообщает, включен ли режим строк.
func (d *Decoder) LineMode() bool { return d.lineMode }

// Lines возвращает накопленные строки как есть, разделенные по "\r\n".
func (d *Decoder) Lines() []string {
	return strings.Split(string(d.buf), LineSeparator)
}

// Reset очищает буфер приема.
func (d *Decoder) Reset() {
	d.buf = nil
	d.pendingDelay = 0
}

// Buffered возвращает число байт в буфере.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Stats возвращает счетчики декодера.
func (d *Decoder) Stats() Stats { return d.stats }
