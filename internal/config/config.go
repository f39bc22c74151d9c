package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectionType - тип транспорта, через который подключено устройство.
type ConnectionType string

const (
	ConnectionUSB       ConnectionType = "USB"
	ConnectionBluetooth ConnectionType = "Bluetooth"
)

const (
	DefaultBaudRate    = 230400
	DefaultCaptureMode = "continuous"
	// DefaultMaxCaptureTimeS - предельная длительность записи, если она не задана.
	DefaultMaxCaptureTimeS = 60.0
	CaptureModeSingle  = "single"
)

// Config - разрешенная конфигурация приложения. После Load не изменяется.
type Config struct {
	Path           PathConfig                 `yaml:"Path"`
	Bluetooth      BluetoothConfig            `yaml:"Bluetooth"`
	Capture        CaptureConfig              `yaml:"Capture"`
	OnboardLogging OnboardLoggingConfig       `yaml:"OnboardLogging"`
	LS3OS          LS3OSConfig                `yaml:"LS3OS"`
	MessageCode    MessageCodes               `yaml:"MessageCode"`
	Commands       map[string]Command         `yaml:"Commands"`
	Device         map[string]DeviceConfig    `yaml:"Device"`
	UseDevices     map[string]UseDeviceConfig `yaml:"UseDevices"`
	MQTT           MQTTConfig                 `yaml:"MQTT"`
	Metrics        MetricsConfig              `yaml:"Metrics"`
}

type PathConfig struct {
	Data           string `yaml:"Data"`
	OnboardLogging string `yaml:"OnboardLogging"`
	Catalog        string `yaml:"Catalog"`
	Backup         string `yaml:"Backup"`
}

// BluetoothConfig содержит UUID характеристик UART-сервиса LS3.
// TX - характеристика устройства для уведомлений, RX - для записи команд.
type BluetoothConfig struct {
	UARTTxCharUUID string  `yaml:"UART_TX_CHAR_UUID"`
	UARTRxCharUUID string  `yaml:"UART_RX_CHAR_UUID"`
	ScanTimeoutS   float64 `yaml:"ScanTimeout_s"`
}

// ScanTimeout - длительность поиска BLE-устройства.
func (c BluetoothConfig) ScanTimeout() time.Duration { return seconds(c.ScanTimeoutS) }

type CaptureConfig struct {
	StartTrigger     float64 `yaml:"StartTrigger"`
	StopTrigger      float64 `yaml:"StopTrigger"`
	MinCaptureTimeS  float64 `yaml:"MinCaptureTime_s"`
	MaxCaptureTimeS  float64 `yaml:"MaxCaptureTime_s"`
	PreCaptureTimeS  int     `yaml:"PreCaptureTime_s"`
	CaptureMode      string  `yaml:"CaptureMode"`
	AutoGeneratePlot bool    `yaml:"AutoGeneratePlot"`
}

func (c CaptureConfig) MinCaptureTime() time.Duration { return seconds(c.MinCaptureTimeS) }
func (c CaptureConfig) MaxCaptureTime() time.Duration { return seconds(c.MaxCaptureTimeS) }

type OnboardLoggingConfig struct {
	CSVDateFormatFromLS3 string `yaml:"CSVDateFormatFromLS3"`
	CSVTimeFormatFromLS3 string `yaml:"CSVTimeFormatFromLS3"`
	CSVDateFormatSave    string `yaml:"CSVDateFormatSave"`
	CSVTimeFormatSave    string `yaml:"CSVTimeFormatSave"`
	CSVOverride          bool   `yaml:"CSVOverride"`
	AutoGeneratePlot     bool   `yaml:"AutoGeneratePlot"`
}

// LS3OSConfig описывает различия между версиями прошивки LS3.
type LS3OSConfig struct {
	VersionSpecific map[float64]VersionSpecific `yaml:"VersionSpecific"`
}

type VersionSpecific struct {
	// OnboardLoggingRowIndexList - имена строк заголовка записи бортового журнала.
	OnboardLoggingRowIndexList []string `yaml:"OnboardLogging_row_index_list"`
}

// MessageCodes - таблицы расшифровки кодовых полей телеметрии.
type MessageCodes struct {
	WorkingMode map[string]string `yaml:"WorkingMode"`
	MeasureMode map[string]string `yaml:"MeasureMode"`
	UnitValue   map[string]string `yaml:"UnitValue"`
	SpeedValue  map[string]string `yaml:"SpeedValue"`
}

// Command - запись таблицы команд LS3.
type Command struct {
	HexCode           string            `yaml:"Hex_Code"`
	Description       string            `yaml:"Description"`
	SupportedProtocol SupportedProtocol `yaml:"SupportedProtocol"`
	// Expect задает ожидаемый результат команды; пустое значение - встроенное правило по имени.
	Expect *Expectation `yaml:"Expect,omitempty"`
}

type SupportedProtocol struct {
	Bluetooth bool `yaml:"Bluetooth"`
	USB       bool `yaml:"USB"`
}

// Supports сообщает, поддерживается ли команда на данном транспорте.
func (s SupportedProtocol) Supports(t ConnectionType) bool {
	switch t {
	case ConnectionBluetooth:
		return s.Bluetooth
	case ConnectionUSB:
		return s.USB
	default:
		return false
	}
}

// Expectation - ожидаемое изменение состояния устройства после команды.
type Expectation struct {
	Kind  string `yaml:"Kind"`
	Value string `yaml:"Value,omitempty"`
}

type DeviceConfig struct {
	MAC      string  `yaml:"MAC"`
	USB      string  `yaml:"USB"`
	USBSpeed int     `yaml:"USB_Speed"`
	Version  float64 `yaml:"Version"`
}

type UseDeviceConfig struct {
	ConnectionType  ConnectionType `yaml:"ConnectionType"`
	InitialCommands []string       `yaml:"InitialCommands"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"Broker"`
	ClientID       string        `yaml:"ClientID"`
	Topic          string        `yaml:"Topic"`
	EventTopic     string        `yaml:"EventTopic"`
	CommandTopic   string        `yaml:"CommandTopic"`
	UpdateInterval time.Duration `yaml:"UpdateInterval"`
}

type MetricsConfig struct {
	Addr string `yaml:"Addr"`
}

// Identity - неизменяемое описание одного сконфигурированного устройства.
type Identity struct {
	Name            string
	Connection      ConnectionType
	MAC             string
	Port            string
	BaudRate        int
	Version         float64
	InitialCommands []string
}

// Load читает файл приложения и накладывает поверх него пользовательский файл.
// Вложенные словари объединяются по ключам, остальные значения заменяются.
// userPath может быть пустым.
func Load(appPath, userPath string) (*Config, error) {
	tree, err := decodeFile(appPath)
	if err != nil {
		return nil, err
	}
	if userPath != "" {
		user, err := decodeFile(userPath)
		if err != nil {
			return nil, err
		}
		tree = mergeNodes(tree, user)
	}

	var cfg Config
	if err := tree.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse разбирает конфигурацию из памяти. Используется в тестах и встраиваниях.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeFile возвращает корневой узел файла. Пустой файл дает пустой словарь.
func decodeFile(path string) (*yaml.Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
		return doc.Content[0], nil
	}
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
}

// mergeNodes накладывает over на base: словари объединяются рекурсивно,
// прочие значения (скаляры, списки) заменяются целиком. base изменяется.
func mergeNodes(base, over *yaml.Node) *yaml.Node {
	if base.Kind != yaml.MappingNode || over.Kind != yaml.MappingNode {
		return over
	}
	for i := 0; i+1 < len(over.Content); i += 2 {
		key, val := over.Content[i], over.Content[i+1]
		found := false
		for j := 0; j+1 < len(base.Content); j += 2 {
			if base.Content[j].Value == key.Value {
				base.Content[j+1] = mergeNodes(base.Content[j+1], val)
				found = true
				break
			}
		}
		if !found {
			base.Content = append(base.Content, key, val)
		}
	}
	return base
}

func (c *Config) applyDefaults() {
	if c.Path.Data == "" {
		c.Path.Data = "./data"
	}
	if c.Path.OnboardLogging == "" {
		c.Path.OnboardLogging = "./onboardlogging"
	}
	if c.Path.Catalog == "" {
		c.Path.Catalog = "./data/catalog.db"
	}
	if c.Path.Backup == "" {
		c.Path.Backup = "./backup"
	}
	if c.Bluetooth.ScanTimeoutS == 0 {
		c.Bluetooth.ScanTimeoutS = 20
	}
	if c.Capture.MaxCaptureTimeS == 0 {
		c.Capture.MaxCaptureTimeS = DefaultMaxCaptureTimeS
	}
	if c.Capture.CaptureMode == "" {
		c.Capture.CaptureMode = DefaultCaptureMode
	}
	if c.OnboardLogging.CSVDateFormatFromLS3 == "" {
		c.OnboardLogging.CSVDateFormatFromLS3 = "%d.%m.%Y"
	}
	if c.OnboardLogging.CSVTimeFormatFromLS3 == "" {
		c.OnboardLogging.CSVTimeFormatFromLS3 = "%H:%M:%S"
	}
	if c.OnboardLogging.CSVDateFormatSave == "" {
		c.OnboardLogging.CSVDateFormatSave = "%Y%m%d"
	}
	if c.OnboardLogging.CSVTimeFormatSave == "" {
		c.OnboardLogging.CSVTimeFormatSave = "%H%M%S"
	}
	if c.Commands == nil {
		c.Commands = make(map[string]Command)
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "ls3-gauge"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "ls3/telemetry"
	}
	if c.MQTT.EventTopic == "" {
		c.MQTT.EventTopic = "ls3/events"
	}
	if c.MQTT.UpdateInterval == 0 {
		c.MQTT.UpdateInterval = 10 * time.Second
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Capture.MaxCaptureTimeS < 0 {
		errs = append(errs, fmt.Errorf("Capture.MaxCaptureTime_s не может быть отрицательным"))
	} else if c.Capture.MaxCaptureTimeS < c.Capture.MinCaptureTimeS {
		errs = append(errs, fmt.Errorf("Capture.MaxCaptureTime_s (%v) меньше MinCaptureTime_s (%v)",
			c.Capture.MaxCaptureTimeS, c.Capture.MinCaptureTimeS))
	}
	if c.Capture.PreCaptureTimeS < 0 {
		errs = append(errs, fmt.Errorf("Capture.PreCaptureTime_s не может быть отрицательным"))
	}
	for name, use := range c.UseDevices {
		dev, ok := c.Device[name]
		if !ok {
			errs = append(errs, fmt.Errorf("UseDevices.%s: нет записи в Device", name))
			continue
		}
		switch use.ConnectionType {
		case ConnectionUSB:
			if dev.USB == "" {
				errs = append(errs, fmt.Errorf("Device.%s.USB обязателен для ConnectionType USB", name))
			}
		case ConnectionBluetooth:
			if dev.MAC == "" {
				errs = append(errs, fmt.Errorf("Device.%s.MAC обязателен для ConnectionType Bluetooth", name))
			}
		default:
			errs = append(errs, fmt.Errorf("UseDevices.%s: неизвестный ConnectionType %q", name, use.ConnectionType))
		}
	}
	return errors.Join(errs...)
}

// Identities возвращает описания используемых устройств, отсортированные по имени.
func (c *Config) Identities() []Identity {
	names := make([]string, 0, len(c.UseDevices))
	for name := range c.UseDevices {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Identity, 0, len(names))
	for _, name := range names {
		use := c.UseDevices[name]
		dev := c.Device[name]
		baud := dev.USBSpeed
		if baud == 0 {
			baud = DefaultBaudRate
		}
		out = append(out, Identity{
			Name:            name,
			Connection:      use.ConnectionType,
			MAC:             dev.MAC,
			Port:            dev.USB,
			BaudRate:        baud,
			Version:         dev.Version,
			InitialCommands: append([]string(nil), use.InitialCommands...),
		})
	}
	return out
}

// RowIndexList возвращает раскладку строк бортового журнала для ближайшей
// версии прошивки, не превышающей version.
func (c *Config) RowIndexList(version float64) ([]string, error) {
	best, found := 0.0, false
	for v := range c.LS3OS.VersionSpecific {
		if v <= version && (!found || v > best) {
			best, found = v, true
		}
	}
	if !found {
		return nil, fmt.Errorf("нет LS3OS.VersionSpecific для версии %v", version)
	}
	return c.LS3OS.VersionSpecific[best].OnboardLoggingRowIndexList, nil
}

// Backup сохраняет копии исходных файлов и итоговую конфигурацию в
// Path.Backup с префиксом времени запуска.
func (c *Config) Backup(appPath, userPath string, now time.Time) error {
	if err := os.MkdirAll(c.Path.Backup, 0o755); err != nil {
		return fmt.Errorf("каталог резервных копий: %w", err)
	}
	prefix := now.Format("20060102_150405")
	for _, src := range []string{appPath, userPath} {
		if src == "" {
			continue
		}
		raw, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("резервная копия %s: %w", src, err)
		}
		dst := filepath.Join(c.Path.Backup, prefix+"_"+filepath.Base(src))
		if err := os.WriteFile(dst, raw, 0o644); err != nil {
			return fmt.Errorf("резервная копия %s: %w", src, err)
		}
	}
	merged, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("сериализация конфигурации: %w", err)
	}
	return os.WriteFile(filepath.Join(c.Path.Backup, prefix+"_Conf.yml"), merged, 0o644)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
