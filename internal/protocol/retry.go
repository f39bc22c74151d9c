package protocol

import (
	"context"
	"errors"
	"time"
)

// ErrStopped возвращается, когда устройство закрыто через ForceClose.
var ErrStopped = errors.New("устройство принудительно закрыто")

// RetrySpec описывает цикл "отправить - подождать - проверить".
type RetrySpec struct {
	// Send выполняет одну отправку; attempt начинается с 1.
	Send func(ctx context.Context, attempt int) error
	// Settle - пауза между отправкой и проверкой.
	Settle time.Duration
	// Sleep ожидает d или отмены контекста.
	Sleep func(ctx context.Context, d time.Duration) error
	// Observe снимает текущее состояние устройства.
	Observe func() Snapshot
	// Accept проверяет результат; nil - успех после первой отправки.
	Accept Predicate
	// Stopped проверяется в начале каждой итерации.
	Stopped func() bool
}

// Retry повторяет отправку без ограничения числа попыток и без нарастающей
// паузы, пока Accept не вернет true. Выход раньше - только по Stopped,
// отмене контекста или ошибке отправки.
func Retry(ctx context.Context, spec RetrySpec) error {
	sleep := spec.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	for attempt := 1; ; attempt++ {
		if spec.Stopped != nil && spec.Stopped() {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var before Snapshot
		if spec.Observe != nil {
			before = spec.Observe()
		}
		if err := spec.Send(ctx, attempt); err != nil {
			return err
		}
		if err := sleep(ctx, spec.Settle); err != nil {
			return err
		}
		if spec.Accept == nil {
			return nil
		}
		var after Snapshot
		if spec.Observe != nil {
			after = spec.Observe()
		}
		if spec.Accept(before, after) {
			return nil
		}
	}
}

// SleepContext ожидает d или отмены ctx.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
