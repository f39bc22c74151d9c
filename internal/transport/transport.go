// Package transport предоставляет байтовые каналы к LS3: USB-serial и Bluetooth LE.
// Данные доставляются обработчику по мере поступления (push).
package transport

import (
	"context"
	"time"
)

// Transport - открытый канал к устройству.
type Transport interface {
	// Write отправляет байты устройству.
	Write(ctx context.Context, p []byte) error
	// Connected сообщает, жив ли канал.
	Connected() bool
	// Close закрывает канал. Повторный вызов безопасен.
	Close() error
}

// Handler получает события канала. Вызовы OnData для одного канала
// последовательны и идут в порядке приема.
type Handler struct {
	OnData func(chunk []byte, at time.Time)
	OnLost func(err error)
}

func (h Handler) data(chunk []byte, at time.Time) {
	if h.OnData != nil {
		h.OnData(chunk, at)
	}
}

func (h Handler) lost(err error) {
	if h.OnLost != nil {
		h.OnLost(err)
	}
}
