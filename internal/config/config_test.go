package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appYAML = `
Path:
  Data: ./captures
Bluetooth:
  UART_TX_CHAR_UUID: 6e400003-b5a3-f393-e0a9-e50e24dcca9e
  UART_RX_CHAR_UUID: 6e400002-b5a3-f393-e0a9-e50e24dcca9e
Capture:
  StartTrigger: 5
  StopTrigger: 1
  MinCaptureTime_s: 2
  MaxCaptureTime_s: 10.5
  PreCaptureTime_s: 2
LS3OS:
  VersionSpecific:
    1.0:
      OnboardLogging_row_index_list: [Header, Date, Time]
    2.1:
      OnboardLogging_row_index_list: [Header, Serial, Date, Time]
MessageCode:
  UnitValue:
    N: kN
Commands:
  ActivateLogging:
    Hex_Code: 41 0D 0A 58
    Description: Start streaming
    SupportedProtocol:
      Bluetooth: true
      USB: true
  DeactivateLogging:
    Hex_Code: 45 0D 0A 5C
    SupportedProtocol:
      Bluetooth: true
      USB: true
    Expect:
      Kind: rx_stalled
Device:
  LS3_1:
    MAC: AA:BB:CC:DD:EE:FF
    Version: 2.2
  LS3_2:
    USB: /dev/ttyUSB0
    Version: 1.0
UseDevices:
  LS3_1:
    ConnectionType: Bluetooth
    InitialCommands: [Speed40, ModeREL]
`

const userYAML = `
Capture:
  CaptureMode: single
Device:
  LS3_2:
    USB: /dev/ttyACM0
    USB_Speed: 115200
    Version: 1.0
UseDevices:
  LS3_2:
    ConnectionType: USB
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(appYAML))
	require.NoError(t, err)

	assert.Equal(t, "./captures", cfg.Path.Data)
	assert.Equal(t, "./onboardlogging", cfg.Path.OnboardLogging)
	assert.Equal(t, DefaultCaptureMode, cfg.Capture.CaptureMode)
	assert.Equal(t, "%d.%m.%Y", cfg.OnboardLogging.CSVDateFormatFromLS3)
	assert.Equal(t, 20*time.Second, cfg.Bluetooth.ScanTimeout())
	assert.Equal(t, 10500*time.Millisecond, cfg.Capture.MaxCaptureTime())
	assert.Equal(t, 10*time.Second, cfg.MQTT.UpdateInterval)

	cmd := cfg.Commands["DeactivateLogging"]
	require.NotNil(t, cmd.Expect)
	assert.Equal(t, "rx_stalled", cmd.Expect.Kind)
	assert.True(t, cfg.Commands["ActivateLogging"].SupportedProtocol.Supports(ConnectionUSB))
}

func TestLoadOverlaysUserFile(t *testing.T) {
	dir := t.TempDir()
	app := writeFile(t, dir, "app.yml", appYAML)
	user := writeFile(t, dir, "user.yml", userYAML)

	cfg, err := Load(app, user)
	require.NoError(t, err)

	assert.Equal(t, CaptureModeSingle, cfg.Capture.CaptureMode)
	// Значения, не заданные в пользовательском файле, сохраняются
	assert.Equal(t, 5.0, cfg.Capture.StartTrigger)
	assert.Equal(t, "./captures", cfg.Path.Data)

	ids := cfg.Identities()
	require.Len(t, ids, 2)
	assert.Equal(t, "LS3_1", ids[0].Name)
	assert.Equal(t, ConnectionBluetooth, ids[0].Connection)
	assert.Equal(t, []string{"Speed40", "ModeREL"}, ids[0].InitialCommands)
	assert.Equal(t, DefaultBaudRate, ids[0].BaudRate)

	assert.Equal(t, "LS3_2", ids[1].Name)
	assert.Equal(t, "/dev/ttyACM0", ids[1].Port)
	assert.Equal(t, 115200, ids[1].BaudRate)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"), "")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown device", "UseDevices:\n  X:\n    ConnectionType: USB\n"},
		{"usb without port", "Device:\n  X:\n    MAC: AA\nUseDevices:\n  X:\n    ConnectionType: USB\n"},
		{"bluetooth without mac", "Device:\n  X:\n    USB: /dev/ttyUSB0\nUseDevices:\n  X:\n    ConnectionType: Bluetooth\n"},
		{"bad connection type", "Device:\n  X:\n    USB: /dev/ttyUSB0\nUseDevices:\n  X:\n    ConnectionType: Serial\n"},
		{"max below min", "Capture:\n  MinCaptureTime_s: 5\n  MaxCaptureTime_s: 1\n"},
		{"negative max", "Capture:\n  MaxCaptureTime_s: -1\n"},
		{"min above default max", "Capture:\n  MinCaptureTime_s: 120\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestRowIndexList(t *testing.T) {
	cfg, err := Parse([]byte(appYAML))
	require.NoError(t, err)

	rows, err := cfg.RowIndexList(2.2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Header", "Serial", "Date", "Time"}, rows)

	rows, err = cfg.RowIndexList(1.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Header", "Date", "Time"}, rows)

	_, err = cfg.RowIndexList(0.9)
	require.Error(t, err)
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	app := writeFile(t, dir, "app.yml", appYAML)
	cfg, err := Load(app, "")
	require.NoError(t, err)
	cfg.Path.Backup = filepath.Join(dir, "backup")

	now := time.Date(2024, 6, 1, 8, 30, 0, 0, time.Local)
	require.NoError(t, cfg.Backup(app, "", now))

	_, err = os.Stat(filepath.Join(dir, "backup", "20240601_083000_app.yml"))
	require.NoError(t, err)
	merged, err := os.ReadFile(filepath.Join(dir, "backup", "20240601_083000_Conf.yml"))
	require.NoError(t, err)
	again, err := Parse(merged)
	require.NoError(t, err)
	assert.Equal(t, cfg.Capture, again.Capture)
}

func TestLoadMergesNestedKeys(t *testing.T) {
	dir := t.TempDir()
	app := writeFile(t, dir, "app.yml", appYAML)
	user := writeFile(t, dir, "user.yml", `
UseDevices:
  LS3_1:
    InitialCommands: [Speed10]
Device:
  LS3_1:
    Version: 1.0
LS3OS:
  VersionSpecific:
    2.1:
      OnboardLogging_row_index_list: [Header, Date]
`)

	cfg, err := Load(app, user)
	require.NoError(t, err)

	ids := cfg.Identities()
	require.Len(t, ids, 1)
	assert.Equal(t, ConnectionBluetooth, ids[0].Connection)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ids[0].MAC)
	assert.Equal(t, 1.0, ids[0].Version)
	// Списки заменяются целиком
	assert.Equal(t, []string{"Speed10"}, ids[0].InitialCommands)

	rows, err := cfg.RowIndexList(2.2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Header", "Date"}, rows)
	rows, err = cfg.RowIndexList(1.0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Header", "Date", "Time"}, rows)

	assert.Equal(t, "Start streaming", cfg.Commands["ActivateLogging"].Description)
	assert.Equal(t, 2.0, cfg.Capture.MinCaptureTimeS)
}

func TestMaxCaptureTimeDefault(t *testing.T) {
	cfg, err := Parse([]byte("Capture:\n  MinCaptureTime_s: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(DefaultMaxCaptureTimeS)*time.Second, cfg.Capture.MaxCaptureTime())
}
