package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/serebryakov7/ls3-gauge/common"
)

const (
	DefaultUpdateInterval = 10 * time.Second
	DefaultBroker         = "tcp://localhost:1883"
	DefaultClientID       = "ls3-gauge"
	DefaultTopic          = "ls3/telemetry"
)

// MQTTConfig содержит настройки для MQTT клиента
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Topic          string
	EventTopic     string // Топик для событий устройств
	CommandTopic   string // Топик для получения команд
	UpdateInterval time.Duration
}

// MQTTClient отправляет снимки состояния устройств и события, принимает команды
type MQTTClient struct {
	config     MQTTConfig
	dataSource func() any
	// commandHandler - функция обратного вызова для обработки команд
	commandHandler func(ctx context.Context, cmd common.ServerCommand) error
	logger         *slog.Logger

	mu     sync.RWMutex
	client mqtt.Client
	ctx    context.Context

	// inflight - команды, выполняющиеся вне горутины paho.
	inflight sync.WaitGroup
}

// NewClient создает новый MQTT клиент
func NewClient(config MQTTConfig, dataSource func() any, cmdHandler func(ctx context.Context, cmd common.ServerCommand) error, logger *slog.Logger) *MQTTClient {
	if config.Broker == "" {
		config.Broker = DefaultBroker
	}
	if config.ClientID == "" {
		config.ClientID = DefaultClientID
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = DefaultUpdateInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTClient{
		config:         config,
		dataSource:     dataSource,
		commandHandler: cmdHandler,
		logger:         logger.With("component", "mqtt"),
		ctx:            context.Background(),
	}
}

// Connect устанавливает соединение с MQTT брокером
func (c *MQTTClient) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetAutoReconnect(true)
	// Команды выполняются секундами и дольше; обработчики не должны
	// задерживать разбор входящих пакетов (в том числе PINGRESP).
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info("подключено к MQTT брокеру", "broker", c.config.Broker)
		// Подписываемся на топик команд после успешного подключения
		c.subscribeToCommands()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn("соединение с MQTT брокером потеряно", "error", err)
	})

	client := mqtt.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Run подключается к брокеру и публикует снимки состояния с интервалом
// UpdateInterval до отмены ctx. Недоступность брокера не считается ошибкой
// процесса: публикация просто не ведется.
func (c *MQTTClient) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	if err := c.Connect(); err != nil {
		c.logger.Error("не удалось подключиться к MQTT брокеру, публикация отключена", "broker", c.config.Broker, "error", err)
		return nil
	}

	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()
	defer c.Disconnect()
	defer c.inflight.Wait()

	c.logger.Info("начало публикации данных", "topic", c.config.Topic, "interval", c.config.UpdateInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.publishData()
		}
	}
}

// Disconnect отключается от MQTT брокера
func (c *MQTTClient) Disconnect() {
	if client := c.connected(); client != nil {
		client.Disconnect(250)
	}
}

// connected возвращает клиент, если он подключен.
func (c *MQTTClient) connected() mqtt.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil || !c.client.IsConnected() {
		return nil
	}
	return c.client
}

// publishData публикует снимок состояния устройств
func (c *MQTTClient) publishData() {
	if c.dataSource == nil {
		return
	}
	snapshot := c.dataSource()
	if snapshot == nil {
		c.logger.Debug("нет данных для публикации")
		return
	}
	c.publish(c.config.Topic, snapshot)
}

func (c *MQTTClient) publish(topic string, v any) {
	client := c.connected()
	if client == nil {
		c.logger.Debug("MQTT клиент не подключен, сообщение не отправлено", "topic", topic)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("ошибка сериализации данных", "error", err)
		return
	}
	token := client.Publish(topic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		c.logger.Error("ошибка отправки данных в MQTT", "topic", topic, "error", token.Error())
		return
	}
	c.logger.Debug("данные отправлены в MQTT", "topic", topic, "bytes", len(data))
}

// PublishEvent публикует событие устройства
func (c *MQTTClient) PublishEvent(ev common.Event) {
	topic := c.config.EventTopic
	if topic == "" {
		topic = c.config.Topic + "/events" // Топик по умолчанию, если не задан
	}
	c.publish(topic, ev)
}

// subscribeToCommands подписывается на топик команд от сервера.
func (c *MQTTClient) subscribeToCommands() {
	commandTopic := c.config.CommandTopic
	if commandTopic == "" {
		c.logger.Info("топик для команд не указан, подписка не будет выполнена")
		return
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	token := client.Subscribe(commandTopic, 1, c.handleIncomingCommand)
	go func() {
		<-token.Done()
		if token.Error() != nil {
			c.logger.Error("ошибка подписки на топик команд", "topic", commandTopic, "error", token.Error())
		} else {
			c.logger.Info("подписан на топик команд", "topic", commandTopic)
		}
	}()
}

// handleIncomingCommand принимает сообщение из топика команд и выполняет его
// в отдельной горутине; подтверждение публикуется по завершении.
func (c *MQTTClient) handleIncomingCommand(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ack := c.HandleCommand(payload)
		if c.config.CommandTopic != "" {
			c.publish(c.config.CommandTopic+"/ack", ack)
		}
	}()
}

// HandleCommand разбирает и выполняет команду, возвращая подтверждение.
func (c *MQTTClient) HandleCommand(payload []byte) common.CommandAck {
	c.logger.Info("получена команда", "payload", string(payload))

	var cmd common.ServerCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Error("ошибка десериализации команды", "error", err, "payload", string(payload))
		return common.CommandAck{Success: false, Message: err.Error()}
	}

	if c.commandHandler == nil {
		c.logger.Warn("обработчик команд не настроен")
		return common.CommandAck{Type: cmd.Type, Success: false, Message: "обработчик команд не настроен"}
	}
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()
	if err := c.commandHandler(ctx, cmd); err != nil {
		c.logger.Error("ошибка обработки команды", "type", cmd.Type, "error", err)
		return common.CommandAck{Type: cmd.Type, Success: false, Message: err.Error()}
	}
	return common.CommandAck{Type: cmd.Type, Success: true}
}
