package agent

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/config"
	"github.com/serebryakov7/ls3-gauge/internal/device"
	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/internal/registry"
	"github.com/serebryakov7/ls3-gauge/internal/transport"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

const agentYAML = `
Commands:
  ZeroButton:
    Hex_Code: 5A 0D 0A 71
    SupportedProtocol: {Bluetooth: true, USB: true}
Device:
  LS3_1:
    USB: /dev/ttyUSB0
  LS3_2:
    MAC: AA:BB:CC:DD:EE:FF
UseDevices:
  LS3_1:
    ConnectionType: USB
  LS3_2:
    ConnectionType: Bluetooth
`

type noPorts struct{}

func (noPorts) Ports() ([]string, error) { return nil, nil }

type neverFinder struct{}

func (neverFinder) Find(context.Context, string, time.Duration) (transport.Peripheral, error) {
	return nil, nil
}

func quickSleep(ctx context.Context, _ time.Duration) error {
	return protocol.SleepContext(ctx, time.Millisecond)
}

func testOptions(in string, out *bytes.Buffer) Options {
	return Options{
		Console:          in != "",
		In:               strings.NewReader(in),
		Out:              out,
		Finder:           neverFinder{},
		SerialOptions:    []device.SerialOption{device.WithPorts(noPorts{}), device.WithSerialSleeper(quickSleep)},
		BluetoothOptions: []device.BluetoothOption{device.WithBluetoothSleeper(quickSleep)},
	}
}

func TestNewBuildsManagers(t *testing.T) {
	cfg, err := config.Parse([]byte(agentYAML))
	require.NoError(t, err)

	o, err := New(cfg, testOptions("", &bytes.Buffer{}))
	require.NoError(t, err)
	assert.Equal(t, []registry.Entry{{Name: "LS3_1"}, {Name: "LS3_2"}}, o.Devices())
	assert.Contains(t, o.Commands(), "ZeroButton")
	assert.Contains(t, o.Commands(), "ReadLog1")
	assert.Contains(t, o.Commands(), protocol.CmdForceClose)
}

func TestExecute(t *testing.T) {
	cfg, err := config.Parse([]byte(agentYAML))
	require.NoError(t, err)
	o, err := New(cfg, testOptions("", &bytes.Buffer{}))
	require.NoError(t, err)

	err = o.Execute(context.Background(), common.ServerCommand{
		Type:   common.CommandTypeSend,
		Params: common.CommandParams{Command: "ZeroButton", Device: "LS3_1"},
	})
	require.ErrorIs(t, err, registry.ErrUnknownDevice)

	err = o.Execute(context.Background(), common.ServerCommand{Type: common.CommandTypeSend})
	require.Error(t, err)

	err = o.Execute(context.Background(), common.ServerCommand{Type: "reboot"})
	require.Error(t, err)
}

func TestRunQuitFromConsole(t *testing.T) {
	cfg, err := config.Parse([]byte(agentYAML))
	require.NoError(t, err)
	var out bytes.Buffer
	o, err := New(cfg, testOptions("d\nq\n", &out))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("оркестратор не завершился по команде quit")
	}
	assert.Contains(t, out.String(), "LS3_1\tнеактивно")
	assert.Contains(t, out.String(), "LS3_2\tнеактивно")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg, err := config.Parse([]byte(agentYAML))
	require.NoError(t, err)
	o, err := New(cfg, testOptions("", &bytes.Buffer{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("оркестратор не завершился после отмены контекста")
	}
}

type memFiles map[string][]storage.Entry

func (m memFiles) List(bucket string) ([]storage.Entry, error) { return m[bucket], nil }

func TestFilesMergesBuckets(t *testing.T) {
	cfg, err := config.Parse([]byte(agentYAML))
	require.NoError(t, err)
	opts := testOptions("", &bytes.Buffer{})
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	opts.Files = memFiles{
		storage.BucketCaptures: {{ID: "c2", SavedAt: base.Add(2 * time.Minute)}},
		storage.BucketOnboard:  {{ID: "o1", SavedAt: base.Add(time.Minute)}, {ID: "o3", SavedAt: base.Add(3 * time.Minute)}},
	}
	o, err := New(cfg, opts)
	require.NoError(t, err)

	files, err := o.Files()
	require.NoError(t, err)
	var ids []string
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"o1", "c2", "o3"}, ids)

	opts.Files = nil
	o, err = New(cfg, opts)
	require.NoError(t, err)
	files, err = o.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}
