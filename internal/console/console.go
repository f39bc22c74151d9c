// Package console - текстовый интерфейс оператора.
//
//	q, quit                 закрыть все устройства и завершить работу
//	l, list_cmd             список команд
//	d, devices              список устройств
//	f, files                список сохраненных файлов
//	send <cmd> [<device>]   отправить команду одному или всем устройствам
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/registry"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

// ErrSyntax - строка не распознана как команда консоли.
var ErrSyntax = errors.New("неизвестная команда консоли")

// Kind - вид команды консоли.
type Kind int

const (
	KindEmpty Kind = iota
	KindQuit
	KindList
	KindDevices
	KindFiles
	KindSend
)

// Line - разобранная строка консоли.
type Line struct {
	Kind    Kind
	Command string
	Device  string
}

// Parse разбирает одну строку ввода.
func Parse(s string) (Line, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Line{Kind: KindEmpty}, nil
	}
	switch fields[0] {
	case "q", "quit":
		return Line{Kind: KindQuit}, nil
	case "l", "list_cmd":
		return Line{Kind: KindList}, nil
	case "d", "devices":
		return Line{Kind: KindDevices}, nil
	case "f", "files":
		return Line{Kind: KindFiles}, nil
	case "send":
		switch len(fields) {
		case 2:
			return Line{Kind: KindSend, Command: fields[1]}, nil
		case 3:
			return Line{Kind: KindSend, Command: fields[1], Device: fields[2]}, nil
		default:
			return Line{}, fmt.Errorf("%w: ожидается send <cmd> [<device>]", ErrSyntax)
		}
	}
	return Line{}, fmt.Errorf("%w: %q", ErrSyntax, fields[0])
}

// ServerCommand переводит строку send/quit в команду общего формата.
func (l Line) ServerCommand() (common.ServerCommand, bool) {
	switch l.Kind {
	case KindQuit:
		return common.ServerCommand{Type: common.CommandTypeQuit}, true
	case KindSend:
		return common.ServerCommand{
			Type:   common.CommandTypeSend,
			Params: common.CommandParams{Command: l.Command, Device: l.Device},
		}, true
	}
	return common.ServerCommand{}, false
}

// Backend выполняет команды консоли.
type Backend interface {
	Execute(ctx context.Context, cmd common.ServerCommand) error
	Commands() []string
	Devices() []registry.Entry
	Files() ([]storage.Entry, error)
}

// Console читает команды из in и пишет ответы в out.
type Console struct {
	in      io.Reader
	out     io.Writer
	backend Backend
	logger  *slog.Logger
}

// New создает консоль.
func New(in io.Reader, out io.Writer, backend Backend, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{in: in, out: out, backend: backend, logger: logger.With("component", "console")}
}

// Run обрабатывает строки до quit, конца ввода или отмены ctx.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			c.logger.Warn("ошибка чтения консоли", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, s); quit {
				return nil
			}
		}
	}
}

func (c *Console) handle(ctx context.Context, s string) bool {
	line, err := Parse(s)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return false
	}
	switch line.Kind {
	case KindEmpty:
		return false
	case KindList:
		for _, name := range c.backend.Commands() {
			fmt.Fprintln(c.out, name)
		}
		return false
	case KindDevices:
		for _, e := range c.backend.Devices() {
			state := "неактивно"
			if e.Active {
				state = "активно"
			}
			fmt.Fprintf(c.out, "%s\t%s\n", e.Name, state)
		}
		return false
	case KindFiles:
		files, err := c.backend.Files()
		if err != nil {
			fmt.Fprintln(c.out, "ошибка:", err)
			return false
		}
		for _, e := range files {
			fmt.Fprintf(c.out, "%s\t%s\t%d\t%s\n", e.SavedAt.Format("2006-01-02 15:04:05"), e.Device, e.Lines, e.Path)
		}
		return false
	}

	cmd, _ := line.ServerCommand()
	if err := c.backend.Execute(ctx, cmd); err != nil {
		c.logger.Error("ошибка выполнения команды", "command", line.Command, "device", line.Device, "error", err)
		fmt.Fprintln(c.out, "ошибка:", err)
	}
	return line.Kind == KindQuit
}
