package protocol

import (
	"fmt"

	"github.com/serebryakov7/ls3-gauge/internal/config"
)

// Snapshot - наблюдаемое состояние устройства для проверки результата команды.
type Snapshot struct {
	RxCount     uint64
	WorkingMode string
	MeasureMode string
	Unit        string
	Speed       string
}

// Predicate проверяет, дала ли команда ожидаемый результат.
type Predicate func(before, after Snapshot) bool

// Виды ожидаемого результата (поле Expect.Kind в таблице команд).
const (
	ExpectNone               = "none"
	ExpectRxAdvanced         = "rx_advanced"
	ExpectRxStalled          = "rx_stalled"
	ExpectUnit               = "unit"
	ExpectSpeed              = "speed"
	ExpectMeasureMode        = "measure_mode"
	ExpectMeasureModeToggled = "measure_mode_toggled"
)

// defaultExpectations - правила для команд, у которых Expect не задан.
// Остальные команды (MenuButton, ClearPeak, ZeroButton, ResetABS) ответа не дают.
var defaultExpectations = map[string]config.Expectation{
	CmdActivateLogging:  {Kind: ExpectRxAdvanced},
	"UnitSwitchTokN":    {Kind: ExpectUnit, Value: "kN"},
	"UnitSwitchTokgf":   {Kind: ExpectUnit, Value: "kgf"},
	"UnitSwitchTolbf":   {Kind: ExpectUnit, Value: "lbf"},
	"Speed10":           {Kind: ExpectSpeed, Value: "10"},
	"Speed40":           {Kind: ExpectSpeed, Value: "40"},
	"Speed640":          {Kind: ExpectSpeed, Value: "640"},
	"Speed1280":         {Kind: ExpectSpeed, Value: "1280"},
	"ModeABS":           {Kind: ExpectMeasureMode, Value: "ABS"},
	"ModeREL":           {Kind: ExpectMeasureMode, Value: "REL"},
	"ModeToggleABS_REL": {Kind: ExpectMeasureModeToggled},
}

// PredicateFor возвращает проверку результата для команды; nil означает,
// что команда считается выполненной после одной отправки.
func PredicateFor(name string, cmd config.Command) (Predicate, error) {
	exp, ok := defaultExpectations[name]
	if cmd.Expect != nil {
		exp, ok = *cmd.Expect, true
	}
	if !ok {
		return nil, nil
	}
	return NewPredicate(exp)
}

// NewPredicate строит проверку по описанию из конфигурации.
func NewPredicate(exp config.Expectation) (Predicate, error) {
	switch exp.Kind {
	case "", ExpectNone:
		return nil, nil
	case ExpectRxAdvanced:
		return func(before, after Snapshot) bool { return after.RxCount != before.RxCount }, nil
	case ExpectRxStalled:
		return func(before, after Snapshot) bool { return after.RxCount <= before.RxCount }, nil
	case ExpectUnit:
		return func(_, after Snapshot) bool { return after.Unit == exp.Value }, nil
	case ExpectSpeed:
		return func(_, after Snapshot) bool { return after.Speed == exp.Value }, nil
	case ExpectMeasureMode:
		return func(_, after Snapshot) bool { return after.MeasureMode == exp.Value }, nil
	case ExpectMeasureModeToggled:
		return func(before, after Snapshot) bool { return after.MeasureMode != before.MeasureMode }, nil
	default:
		return nil, fmt.Errorf("неизвестный вид Expect %q", exp.Kind)
	}
}
