package common

// CommandType определяет тип команды, полученной извне (консоль или MQTT).
type CommandType string

const (
	// CommandTypeSend предписывает отправить команду LS3 одному или всем устройствам.
	CommandTypeSend CommandType = "send"
	// CommandTypeQuit рассылает ForceClose всем активным устройствам и завершает работу.
	CommandTypeQuit CommandType = "quit"
)

// ServerCommand представляет команду, полученную от сервера через MQTT.
type ServerCommand struct {
	Type   CommandType   `json:"type"`
	Params CommandParams `json:"params,omitempty"`
}

// CommandParams содержит параметры команды.
type CommandParams struct {
	// Command - имя команды из таблицы Commands, Wait<N> или RawCMD_<HEX>_<T|F>.
	Command string `json:"command,omitempty"`
	// Device - имя устройства; пустое значение означает все активные устройства.
	Device string `json:"device,omitempty"`
}

// CommandAck представляет подтверждение выполнения команды.
type CommandAck struct {
	Type    CommandType `json:"type"`
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
}
