package protocol

import (
	"fmt"

	"github.com/serebryakov7/ls3-gauge/internal/config"
)

// Имена команд, которые обрабатываются движком особым образом.
const (
	CmdActivateLogging    = "ActivateLogging"
	CmdDeactivateLogging  = "DeactivateLogging"
	CmdForceClose         = "ForceClose"
	CmdSaveOnboardLogging = "SaveOnboardLogging"
	CmdStartCapture       = "StartCapture"
	CmdStopCapture        = "StopCapture"
	CmdStopCaptureNow     = "StopCaptureNow"
	CmdActivateCapture    = "ActivateCapture"
	CmdDeactivateCapture  = "DeactivateCapture"

	// ReadLogCount - число записей бортового журнала LS3.
	ReadLogCount = 100
)

var compositeCommands = map[string]string{
	CmdForceClose:         "Stop capture and logging, close the connection",
	CmdSaveOnboardLogging: "Download all onboard logging entries",
	CmdStartCapture:       "Start capture (manual)",
	CmdStopCapture:        "Stop capture after MinCaptureTime_s (manual)",
	CmdStopCaptureNow:     "Stop capture immediately (manual)",
	CmdActivateCapture:    "Arm capture trigger",
	CmdDeactivateCapture:  "Disarm capture trigger",
}

// IsComposite сообщает, является ли команда составной (без отправки байт
// через общий цикл подтверждения).
func IsComposite(name string) bool {
	_, ok := compositeCommands[name]
	return ok
}

// ReadLogName возвращает имя команды чтения записи бортового журнала i (1..100).
func ReadLogName(i int) string {
	return fmt.Sprintf("ReadLog%d", i)
}

// ReadLogCommands формирует команды ReadLog1..ReadLog100: "52 3x 3y 0D 0A" + CRC,
// где xy - номер записи с нуля. Команды доступны только через USB.
func ReadLogCommands() map[string]config.Command {
	out := make(map[string]config.Command, ReadLogCount)
	for i := 0; i < ReadLogCount; i++ {
		raw := fmt.Sprintf("52 3%d 3%d 0D 0A", i/10, i%10)
		hexCode, err := Build(raw)
		if err != nil {
			// raw формируется здесь же и всегда корректен
			panic(err)
		}
		out[ReadLogName(i+1)] = config.Command{
			HexCode:           hexCode,
			Description:       fmt.Sprintf("Read the %dth log command", i),
			SupportedProtocol: config.SupportedProtocol{Bluetooth: false, USB: true},
		}
	}
	return out
}

// WithBuiltins возвращает копию таблицы команд, дополненную командами ReadLog
// и составными командами, если они не заданы в конфигурации.
func WithBuiltins(commands map[string]config.Command) map[string]config.Command {
	out := make(map[string]config.Command, len(commands)+ReadLogCount+len(compositeCommands))
	for name, cmd := range ReadLogCommands() {
		out[name] = cmd
	}
	for name, desc := range compositeCommands {
		out[name] = config.Command{
			Description:       desc,
			SupportedProtocol: config.SupportedProtocol{Bluetooth: true, USB: true},
		}
	}
	for name, cmd := range commands {
		out[name] = cmd
	}
	return out
}
