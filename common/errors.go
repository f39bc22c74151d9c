package common

import "errors"

// Классы ошибок. Конкретные ошибки оборачивают их через fmt.Errorf("%w: ...").
var (
	// ErrTransport - ошибки поиска, подключения и открытия транспорта.
	ErrTransport = errors.New("transport error")
	// ErrProtocol - неизвестная или неподдерживаемая транспортом команда.
	ErrProtocol = errors.New("protocol error")
	// ErrDecode - поврежденный поток телеметрии.
	ErrDecode = errors.New("decode error")
	// ErrParse - неверный формат даты/времени или промах по таблице кодов.
	ErrParse = errors.New("parse error")
)
