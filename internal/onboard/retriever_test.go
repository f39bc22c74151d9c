package onboard

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/ls3-gauge/common"
	"github.com/serebryakov7/ls3-gauge/internal/protocol"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

// fakeLS3 отвечает на ReadLog<i> заранее заданными записями.
type fakeLS3 struct {
	entries  map[string]string
	sent     []string
	buf      strings.Builder
	lineMode []bool
	sendErr  map[string]error
}

func (f *fakeLS3) Send(_ context.Context, name string) error {
	f.sent = append(f.sent, name)
	if err := f.sendErr[name]; err != nil {
		return err
	}
	if strings.HasPrefix(name, "ReadLog") {
		if body, ok := f.entries[name]; ok {
			f.buf.WriteString(body)
		} else {
			f.buf.WriteString("End\r\n")
		}
	}
	return nil
}

func (f *fakeLS3) SetLineMode(on bool) { f.lineMode = append(f.lineMode, on); f.buf.Reset() }
func (f *fakeLS3) ResetLines()         { f.buf.Reset() }
func (f *fakeLS3) Lines() []string     { return strings.Split(f.buf.String(), "\r\n") }

type memRecorder struct {
	mu      sync.Mutex
	entries map[string]storage.Entry
}

func (m *memRecorder) Put(bucket, key string, e storage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]storage.Entry)
	}
	m.entries[bucket+"|"+key] = e
	return nil
}

func entry(date, clock string, rows ...string) string {
	lines := append([]string{"LS3 Log", date, clock}, rows...)
	return strings.Join(lines, "\r\n") + "\r\nEnd\r\n"
}

func testSettings(dir string) Settings {
	return Settings{
		Device:            "LS3_1",
		MAC:               "AA:BB:CC:DD:EE:FF",
		Dir:               dir,
		RowIndexList:      []string{"Header", "Date", "Time"},
		DateFormatFromLS3: "%d.%m.%Y",
		TimeFormatFromLS3: "%H:%M:%S",
		DateFormatSave:    "%Y%m%d",
		TimeFormatSave:    "%H%M%S",
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestRetrieveStopsAtFirstEmptyEntry(t *testing.T) {
	dir := t.TempDir()
	ls3 := &fakeLS3{entries: map[string]string{
		"ReadLog1": entry("01.02.2024", "12:30:45", "0.10", "0.20"),
		"ReadLog2": entry("02.02.2024", "08:00:00", "1.50"),
		"ReadLog4": entry("04.02.2024", "09:00:00", "9.99"),
	}}
	rec := &memRecorder{}
	r := NewRetriever(testSettings(dir), ls3, ls3, WithSleeper(noSleep), WithRecorder(rec))

	require.NoError(t, r.Retrieve(context.Background()))
	assert.Equal(t, []string{protocol.CmdDeactivateLogging, "ReadLog1", "ReadLog2", "ReadLog3"}, ls3.sent)
	assert.Equal(t, []bool{true, false}, ls3.lineMode)

	first := filepath.Join(dir, "LSDDEEFF", "20240201", "123045.CSV")
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "01.02.2024\n12:30:45\n0.10\n0.20\n", string(data))

	_, err = os.Stat(filepath.Join(dir, "LSDDEEFF", "20240202", "080000.CSV"))
	require.NoError(t, err)

	assert.Len(t, rec.entries, 2)
	e := rec.entries[storage.BucketOnboard+"|LSDDEEFF/20240201/123045"]
	assert.Equal(t, first, e.Path)
	assert.Equal(t, 4, e.Lines)
}

func TestRetrieveRespectsOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LSDDEEFF", "20240201", "123045.CSV")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	ls3 := &fakeLS3{entries: map[string]string{
		"ReadLog1": entry("01.02.2024", "12:30:45", "0.10"),
	}}
	r := NewRetriever(testSettings(dir), ls3, ls3, WithSleeper(noSleep))
	require.NoError(t, r.Retrieve(context.Background()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))

	settings := testSettings(dir)
	settings.Override = true
	ls3.sent = nil
	r = NewRetriever(settings, ls3, ls3, WithSleeper(noSleep))
	require.NoError(t, r.Retrieve(context.Background()))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "01.02.2024\n12:30:45\n0.10\n", string(data))
}

func TestRetrieveDateTimeFallback(t *testing.T) {
	dir := t.TempDir()
	ls3 := &fakeLS3{entries: map[string]string{
		"ReadLog1": entry("--.--.----", "12:30:45", "1"),
		"ReadLog2": entry("01.02.2024", "garbage", "2"),
	}}
	r := NewRetriever(testSettings(dir), ls3, ls3, WithSleeper(noSleep))
	require.NoError(t, r.Retrieve(context.Background()))

	epochDate := time.Unix(0, 0).Format("20060102")
	_, err := os.Stat(filepath.Join(dir, "LSDDEEFF", epochDate, "123045.CSV"))
	require.NoError(t, err)

	fallbackTime := time.Unix(2, 0).Format("150405")
	_, err = os.Stat(filepath.Join(dir, "LSDDEEFF", "20240201", fallbackTime+".CSV"))
	require.NoError(t, err)
}

func TestRetrieveAbortsOnSendError(t *testing.T) {
	ls3 := &fakeLS3{sendErr: map[string]error{"ReadLog1": protocol.ErrUnsupported}}
	r := NewRetriever(testSettings(t.TempDir()), ls3, ls3, WithSleeper(noSleep))

	err := r.Retrieve(context.Background())
	require.ErrorIs(t, err, common.ErrProtocol)
	assert.Equal(t, []string{protocol.CmdDeactivateLogging, "ReadLog1"}, ls3.sent)
	assert.Equal(t, []bool{true, false}, ls3.lineMode)
}

func TestRetrievePlotHook(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(dir)
	settings.AutoGeneratePlot = true
	ls3 := &fakeLS3{entries: map[string]string{
		"ReadLog1": entry("01.02.2024", "12:30:45", "0.10"),
	}}
	plotted := make(chan string, 1)
	r := NewRetriever(settings, ls3, ls3, WithSleeper(noSleep), WithPlotHook(func(path, kind string) {
		assert.Equal(t, PlotKind, kind)
		plotted <- path
	}))
	require.NoError(t, r.Retrieve(context.Background()))

	select {
	case path := <-plotted:
		assert.Equal(t, filepath.Join(dir, "LSDDEEFF", "20240201", "123045.CSV"), path)
	case <-time.After(time.Second):
		t.Fatal("PlotHook не вызван")
	}
}

func TestRetrieveMissingLayout(t *testing.T) {
	settings := testSettings(t.TempDir())
	settings.RowIndexList = []string{"Header"}
	ls3 := &fakeLS3{}
	err := NewRetriever(settings, ls3, ls3).Retrieve(context.Background())
	require.ErrorIs(t, err, common.ErrParse)
	assert.Empty(t, ls3.sent)
}

func TestDeviceFolder(t *testing.T) {
	assert.Equal(t, "LSDDEEFF", DeviceFolder("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "LS", DeviceFolder(""))
}
