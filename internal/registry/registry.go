// Package registry хранит множество активных устройств процесса.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sender - устройство, которому можно отправить команду.
type Sender interface {
	Send(ctx context.Context, command string) error
}

// Entry - запись реестра.
type Entry struct {
	Name   string
	Active bool
}

// ErrUnknownDevice возвращается, если устройство с таким именем не активно.
var ErrUnknownDevice = errors.New("устройство не зарегистрировано")

// Registry - потокобезопасный реестр устройств. Изменяется менеджерами
// соединений, читается консолью и логикой завершения.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*slot
	onCount func(active int)
}

type slot struct {
	active bool
	sender Sender
}

// New создает пустой реестр. onCount (может быть nil) вызывается при
// изменении числа активных устройств.
func New(onCount func(active int)) *Registry {
	return &Registry{
		entries: make(map[string]*slot),
		onCount: onCount,
	}
}

// Attach отмечает устройство активным.
func (r *Registry) Attach(name string, s Sender) {
	r.mu.Lock()
	r.entries[name] = &slot{active: true, sender: s}
	n := r.countLocked()
	r.mu.Unlock()
	r.notify(n)
}

// Detach отмечает устройство неактивным. Запись сохраняется.
func (r *Registry) Detach(name string) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		e.active = false
		e.sender = nil
	}
	n := r.countLocked()
	r.mu.Unlock()
	r.notify(n)
}

func (r *Registry) notify(n int) {
	if r.onCount != nil {
		r.onCount(n)
	}
}

func (r *Registry) countLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.active {
			n++
		}
	}
	return n
}

// Count возвращает число активных устройств.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

// Entries возвращает все известные устройства, отсортированные по имени.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, Entry{Name: name, Active: e.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Live возвращает имена активных устройств, отсортированные по имени.
func (r *Registry) Live() []string {
	var names []string
	for _, e := range r.Entries() {
		if e.Active {
			names = append(names, e.Name)
		}
	}
	return names
}

func (r *Registry) senders(device string) (map[string]Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Sender)
	for name, e := range r.entries {
		if !e.active || (device != "" && name != device) {
			continue
		}
		out[name] = e.sender
	}
	if device != "" && len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	return out, nil
}

// Send отправляет команду устройству device или, если device пустой, всем
// активным устройствам по очереди. Блокировка реестра на время отправки не держится.
func (r *Registry) Send(ctx context.Context, command, device string) error {
	targets, err := r.senders(device)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := targets[name].Send(ctx, command); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Broadcast отправляет команду всем активным устройствам.
func (r *Registry) Broadcast(ctx context.Context, command string) error {
	return r.Send(ctx, command, "")
}
