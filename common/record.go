package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TelemetryRecord представляет одну 20-байтовую запись телеметрии LS3.
// После создания декодером запись не изменяется.
type TelemetryRecord struct {
	WorkingMode      string `json:"working_mode"`
	MeasuredValue    string `json:"measured_value"` // Десятичная строка как есть, например " 12.34"
	MeasureMode      string `json:"measure_mode"`
	ReferenceZero    string `json:"reference_zero"`
	ElectricQuantity int    `json:"electric_quantity"` // (byte[14]-32)*2
	Unit             string `json:"unit"`
	Speed            string `json:"speed"`

	// Расшифровка кодов по таблицам MessageCode
	WorkingModeParsed string `json:"working_mode_parsed"`
	MeasureModeParsed string `json:"measure_mode_parsed"`
	UnitParsed        string `json:"unit_parsed"`
	SpeedParsed       string `json:"speed_parsed"`

	ArrivedAt   time.Time `json:"arrived_at"`
	DelayMicros int64     `json:"delay_us"` // Задержка с момента предыдущей порции данных
}

// Value возвращает измеренное значение как число.
func (r TelemetryRecord) Value() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.MeasuredValue), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: measured value %q: %v", ErrParse, r.MeasuredValue, err)
	}
	return v, nil
}

// SampleRate возвращает частоту опроса в Гц по расшифрованному коду скорости.
func (r TelemetryRecord) SampleRate() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(r.SpeedParsed))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// CSVLine формирует строку файла захвата:
// устройство, время, epoch, задержка (мкс), значение, единица, ноль, режим, скорость, заряд, рабочий режим.
func (r TelemetryRecord) CSVLine(device string) string {
	epoch := float64(r.ArrivedAt.UnixNano()) / 1e9
	return fmt.Sprintf("%s, %s, %.6f, %d, %s, %s, %s, %s, %sHz, %d, %s",
		device,
		r.ArrivedAt.Format("2006-01-02 15:04:05.000000"),
		epoch,
		r.DelayMicros,
		r.MeasuredValue,
		r.UnitParsed,
		r.ReferenceZero,
		r.MeasureModeParsed,
		r.SpeedParsed,
		r.ElectricQuantity,
		r.WorkingModeParsed,
	)
}
