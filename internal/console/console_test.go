package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/registry"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Line
	}{
		{"", Line{Kind: KindEmpty}},
		{"   ", Line{Kind: KindEmpty}},
		{"q", Line{Kind: KindQuit}},
		{"quit", Line{Kind: KindQuit}},
		{"l", Line{Kind: KindList}},
		{"list_cmd", Line{Kind: KindList}},
		{"devices", Line{Kind: KindDevices}},
		{"f", Line{Kind: KindFiles}},
		{"files", Line{Kind: KindFiles}},
		{"send ZeroButton", Line{Kind: KindSend, Command: "ZeroButton"}},
		{"send  Speed40   LS3_1 ", Line{Kind: KindSend, Command: "Speed40", Device: "LS3_1"}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, in := range []string{"send", "send a b c", "help", "Q"} {
		_, err := Parse(in)
		require.ErrorIs(t, err, ErrSyntax, in)
	}
}

type fakeBackend struct {
	executed []common.ServerCommand
	err      error
	filesErr error
}

func (f *fakeBackend) Execute(_ context.Context, cmd common.ServerCommand) error {
	f.executed = append(f.executed, cmd)
	return f.err
}

func (f *fakeBackend) Commands() []string { return []string{"ActivateLogging", "ZeroButton"} }

func (f *fakeBackend) Devices() []registry.Entry {
	return []registry.Entry{{Name: "LS3_1", Active: true}, {Name: "LS3_2"}}
}

func (f *fakeBackend) Files() ([]storage.Entry, error) {
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return []storage.Entry{{
		Device:  "LS3_1",
		Path:    "data/20240102_030405_LS3_1.csv",
		Lines:   42,
		SavedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}}, nil
}

func TestConsoleRun(t *testing.T) {
	in := strings.NewReader("l\nsend ZeroButton LS3_1\nbogus\nd\nq\nsend ActivateLogging\n")
	var out bytes.Buffer
	backend := &fakeBackend{}

	require.NoError(t, New(in, &out, backend, nil).Run(context.Background()))

	require.Len(t, backend.executed, 2)
	assert.Equal(t, common.ServerCommand{
		Type:   common.CommandTypeSend,
		Params: common.CommandParams{Command: "ZeroButton", Device: "LS3_1"},
	}, backend.executed[0])
	assert.Equal(t, common.CommandTypeQuit, backend.executed[1].Type)

	text := out.String()
	assert.Contains(t, text, "ActivateLogging\nZeroButton\n")
	assert.Contains(t, text, "LS3_1\tактивно\n")
	assert.Contains(t, text, "LS3_2\tнеактивно\n")
	assert.Contains(t, text, "bogus")
}

func TestConsoleReportsErrors(t *testing.T) {
	var out bytes.Buffer
	backend := &fakeBackend{err: errors.New("устройство не зарегистрировано")}
	require.NoError(t, New(strings.NewReader("send X Y\n"), &out, backend, nil).Run(context.Background()))
	assert.Contains(t, out.String(), "ошибка: устройство не зарегистрировано")
}

func TestConsoleStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Ввод, который никогда не заканчивается, не мешает остановке
	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, New(r, &bytes.Buffer{}, &fakeBackend{}, nil).Run(ctx))
}

func TestConsoleFiles(t *testing.T) {
	var out bytes.Buffer
	backend := &fakeBackend{}
	require.NoError(t, New(strings.NewReader("files\n"), &out, backend, nil).Run(context.Background()))
	assert.Equal(t, "2024-01-02 03:04:05\tLS3_1\t42\tdata/20240102_030405_LS3_1.csv\n", out.String())

	out.Reset()
	backend.filesErr = errors.New("каталог закрыт")
	require.NoError(t, New(strings.NewReader("f\n"), &out, backend, nil).Run(context.Background()))
	assert.Contains(t, out.String(), "каталог закрыт")
}
