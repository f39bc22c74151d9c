package device

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/capture"
	"github.com/serebryakov7/ls3-gauge/internal/config"
	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/internal/transport"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

const testYAML = `
Capture:
  StartTrigger: 5
  StopTrigger: 1
  MinCaptureTime_s: 2
  MaxCaptureTime_s: 10
  PreCaptureTime_s: 1
  AutoGeneratePlot: true
LS3OS:
  VersionSpecific:
    1.0:
      OnboardLogging_row_index_list: [Header, Date, Time]
MessageCode:
  WorkingMode: {N: Normal}
  MeasureMode: {A: ABS}
  UnitValue: {N: kN}
  SpeedValue: {A: "10"}
Commands:
  ActivateLogging:
    Hex_Code: 41 0D 0A 58
    SupportedProtocol: {Bluetooth: true, USB: true}
  DeactivateLogging:
    Hex_Code: 45 0D 0A 5C
    SupportedProtocol: {Bluetooth: true, USB: true}
  ZeroButton:
    Hex_Code: 5A 0D 0A 71
    SupportedProtocol: {Bluetooth: true, USB: true}
Device:
  LS3_1:
    USB: /dev/ttyUSB0
    MAC: AA:BB:CC:DD:EE:FF
    Version: 1.0
UseDevices:
  LS3_1:
    ConnectionType: USB
    InitialCommands: [ZeroButton, NoSuchCommand]
`

var activateBytes = []byte{0x41, 0x0d, 0x0a, 0x58}

func testConfig(t *testing.T, conn config.ConnectionType) *config.Config {
	t.Helper()
	raw := strings.Replace(testYAML, "ConnectionType: USB", "ConnectionType: "+string(conn), 1)
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	cfg.Path.Data = t.TempDir()
	return cfg
}

func testFrame(value string) []byte {
	return []byte(fmt.Sprintf("N%6sA  0.00(NA  \r", value))
}

type countingObserver struct {
	frames    atomic.Int64
	discarded atomic.Int64
	captures  atomic.Int64
	retries   atomic.Int64
}

func (o *countingObserver) FramesDecoded(_ string, n int)     { o.frames.Add(int64(n)) }
func (o *countingObserver) BytesDiscarded(_ string, n uint64) { o.discarded.Add(int64(n)) }
func (o *countingObserver) CaptureSaved(string, int)          { o.captures.Add(1) }
func (o *countingObserver) CommandRetried(string, string)     { o.retries.Add(1) }

type eventLog struct {
	mu     sync.Mutex
	events []common.Event
}

func (e *eventLog) PublishEvent(ev common.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types() []common.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []common.EventType
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type memCatalog struct {
	mu      sync.Mutex
	entries map[string]storage.Entry
}

func (m *memCatalog) Put(bucket, key string, e storage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]storage.Entry)
	}
	m.entries[bucket+"|"+key] = e
	return nil
}

// fakeLink - канал, который на ActivateLogging отвечает записью телеметрии.
type fakeLink struct {
	handler   transport.Handler
	connected atomic.Bool
	closed    atomic.Bool

	mu     sync.Mutex
	writes [][]byte
}

func newFakeLink(h transport.Handler) *fakeLink {
	l := &fakeLink{handler: h}
	l.connected.Store(true)
	return l
}

func (l *fakeLink) Write(_ context.Context, p []byte) error {
	if !l.connected.Load() {
		return fmt.Errorf("%w: закрыт", common.ErrTransport)
	}
	l.mu.Lock()
	l.writes = append(l.writes, append([]byte(nil), p...))
	l.mu.Unlock()
	if bytes.Equal(p, activateBytes) {
		l.handler.OnData(testFrame("  0.00"), time.Now())
	}
	return nil
}

func (l *fakeLink) Connected() bool { return l.connected.Load() }

func (l *fakeLink) Close() error {
	l.closed.Store(true)
	l.connected.Store(false)
	return nil
}

func (l *fakeLink) written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestDeviceCaptureToFile(t *testing.T) {
	cfg := testConfig(t, config.ConnectionUSB)
	obs := &countingObserver{}
	events := &eventLog{}
	catalog := &memCatalog{}
	plotted := make(chan string, 1)
	savedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)

	dev := New(cfg, cfg.Identities()[0], Deps{
		Observer: obs,
		Events:   events,
		Catalog:  catalog,
		Plot:     func(path, kind string) { plotted <- path },
		Now:      func() time.Time { return savedAt },
	})

	t0 := time.Date(2024, 3, 1, 9, 59, 0, 0, time.Local)
	dev.HandleChunk(testFrame("  0.00"), t0)
	dev.ArmCapture()
	assert.Equal(t, capture.Armed, dev.CaptureState())

	for i, v := range []string{"  0.00", "  6.00", "  6.00", "  0.50", "  0.50"} {
		dev.HandleChunk(testFrame(v), t0.Add(time.Duration(i+1)*time.Second))
	}
	assert.Equal(t, capture.Armed, dev.CaptureState())

	path := filepath.Join(cfg.Path.Data, "20240301_100000_LS3_1.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "LS3_1, 2024-03-01 09:59:01.000000, "))
	assert.Contains(t, lines[1], ",   6.00, kN,   0.00, ABS, 10Hz, 16, Normal")

	assert.Equal(t, int64(6), obs.frames.Load())
	assert.Equal(t, int64(1), obs.captures.Load())
	assert.Equal(t, []common.EventType{common.EventCaptureSaved}, events.types())
	require.Len(t, catalog.entries, 1)
	for key, e := range catalog.entries {
		assert.True(t, strings.HasPrefix(key, storage.BucketCaptures+"|"))
		assert.Equal(t, path, e.Path)
		assert.Equal(t, 5, e.Lines)
	}

	select {
	case got := <-plotted:
		assert.Equal(t, path, got)
	case <-time.After(time.Second):
		t.Fatal("PlotHook не вызван")
	}
}

func TestDeviceSnapshotAndDiscard(t *testing.T) {
	cfg := testConfig(t, config.ConnectionUSB)
	obs := &countingObserver{}
	dev := New(cfg, cfg.Identities()[0], Deps{Observer: obs})

	dev.HandleChunk(append([]byte("xx\r"), testFrame("  1.00")...), time.Now())
	snap := dev.Snapshot()
	assert.Equal(t, uint64(1), snap.RxCount)
	assert.Equal(t, "kN", snap.Unit)
	assert.Equal(t, "10", snap.Speed)
	assert.Equal(t, int64(3), obs.discarded.Load())

	status := dev.Status()
	assert.Equal(t, "LS3_1", status.Name)
	assert.False(t, status.Connected)
	assert.Equal(t, "idle", status.Capture)
}

func TestDeviceWriteWithoutLink(t *testing.T) {
	cfg := testConfig(t, config.ConnectionUSB)
	dev := New(cfg, cfg.Identities()[0], Deps{})
	err := dev.Write(context.Background(), []byte{1})
	require.ErrorIs(t, err, common.ErrTransport)
}

func TestDeviceForceClose(t *testing.T) {
	cfg := testConfig(t, config.ConnectionUSB)
	events := &eventLog{}
	dev := New(cfg, cfg.Identities()[0], Deps{Events: events}, protocol.WithSleeper(noSleep))
	link := newFakeLink(dev.Handler())
	dev.Attach(link)
	require.True(t, dev.Connected())

	require.NoError(t, dev.Send(context.Background(), protocol.CmdForceClose))
	assert.True(t, dev.ForceClosed())
	assert.True(t, link.closed.Load())
	assert.False(t, dev.Connected())
	require.Len(t, link.written(), 1)
	assert.Equal(t, []common.EventType{common.EventConnected, common.EventDisconnected}, events.types())
}

func TestDeviceLineModeForOnboard(t *testing.T) {
	cfg := testConfig(t, config.ConnectionUSB)
	dev := New(cfg, cfg.Identities()[0], Deps{})
	dev.SetLineMode(true)
	dev.HandleChunk([]byte("Header\r\nEnd\r\n"), time.Now())
	assert.Equal(t, []string{"Header", "End", ""}, dev.Lines())
	assert.Zero(t, dev.Snapshot().RxCount)
	dev.ResetLines()
	assert.Equal(t, []string{""}, dev.Lines())
}
