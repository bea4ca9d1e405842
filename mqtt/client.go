package mqtt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"

	"obd-capture/common"
)

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Broker          string        `mapstructure:"broker"`            // Адрес брокера, например "tcp://localhost:1883"
	Username        string        `mapstructure:"username"`          // Имя пользователя (опционально)
	Password        string        `mapstructure:"password"`          // Пароль (опционально)
	ClientID        string        `mapstructure:"client_id"`         // ID клиента (опционально, генерируется если пустой)
	DataTopic       string        `mapstructure:"data_topic"`        // Базовый топик для снимков
	CommandTopic    string        `mapstructure:"command_topic"`     // Топик для команд управления
	QoS             byte          `mapstructure:"qos"`               // Quality of Service (0, 1, 2)
	KeepAlive       int           `mapstructure:"keep_alive"`        // Интервал keep alive в секундах
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`   // Таймаут подключения
	PerSensorTopics bool          `mapstructure:"per_sensor_topics"` // Дополнительно публиковать каждое значение отдельно
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "obd-capture-" + hex.EncodeToString(bytes)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		DataTopic:      "car/telemetry",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
	}
}

// TelemetryMessage - одно значение датчика для топика <data_topic>/<short_name>
type TelemetryMessage struct {
	Metric    string      `json:"metric"`
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Unit      string      `json:"unit"`
	Timestamp time.Time   `json:"timestamp"`
	Raw       string      `json:"raw,omitempty"`
}

// Client публикует снимки и принимает команды
type Client struct {
	config     Config
	mqttClient mqttLib.Client
	snapshots  chan common.Snapshot
	commands   chan common.CommandMessage
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *log.Logger
}

// NewClient создает нового MQTT клиента
func NewClient(config Config) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	c := &Client{
		config:    config,
		snapshots: make(chan common.Snapshot, 16),
		commands:  make(chan common.CommandMessage, 4),
		stopChan:  make(chan struct{}),
		logger:    log.New(os.Stdout, "[MQTT-Client] ", log.LstdFlags|log.Lshortfile),
	}
	c.mqttClient = mqttLib.NewClient(c.options())
	return c
}

func (c *Client) options() *mqttLib.ClientOptions {
	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(true)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Println("MQTT authentication: ENABLED")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(func(client mqttLib.Client, err error) {
		c.logger.Printf("Connection lost: %v", err)
	})
	return opts
}

// Start подключается к брокеру и запускает цикл публикации
func (c *Client) Start() error {
	c.logger.Printf("Starting MQTT client, broker: %s", c.config.Broker)

	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.wg.Add(1)
	go c.publishLoop()

	c.logger.Println("MQTT client started successfully")
	return nil
}

// Stop останавливает цикл публикации и отключается от брокера
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Println("Stopping MQTT client...")
		close(c.stopChan)
		c.wg.Wait()

		if c.mqttClient != nil && c.mqttClient.IsConnected() {
			c.mqttClient.Disconnect(1000)
			c.logger.Println("MQTT client disconnected")
		}
	})
	return nil
}

// Commands возвращает канал команд, полученных из CommandTopic
func (c *Client) Commands() <-chan common.CommandMessage {
	return c.commands
}

// Enqueue ставит снимок в очередь публикации, не блокируя цикл захвата
func (c *Client) Enqueue(snapshot common.Snapshot) {
	select {
	case c.snapshots <- snapshot:
	default:
		c.logger.Printf("Warning: snapshot queue is full, dropping snapshot %s", snapshot.Timestamp.Format(time.RFC3339Nano))
	}
}

func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Println("Connected to MQTT broker")

	if token := client.Subscribe(c.config.CommandTopic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Printf("Failed to subscribe to command topic %s: %v", c.config.CommandTopic, token.Error())
		return
	}
	c.logger.Printf("Subscribed to command topic: %s", c.config.CommandTopic)
}

// onCommandReceived обрабатывает входящие команды
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	var cmd common.CommandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Printf("Failed to unmarshal command: %v", err)
		return
	}

	c.logger.Printf("Processing command: %s (correlation_id: %s)", cmd.Command, cmd.CorrelationID)

	select {
	case c.commands <- cmd:
	case <-time.After(5 * time.Second):
		c.logger.Printf("Timeout delivering command: %s", cmd.Command)
	}
}

func (c *Client) publishLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("Snapshot publish loop stopped")
			return
		case snapshot := <-c.snapshots:
			if err := c.PublishSnapshot(snapshot); err != nil {
				c.logger.Printf("Failed to publish snapshot: %v", err)
			}
		}
	}
}

// PublishSnapshot публикует снимок целиком и, при PerSensorTopics, каждое значение
func (c *Client) PublishSnapshot(snapshot common.Snapshot) error {
	if c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.publish(c.config.DataTopic+"/snapshot", payload); err != nil {
		return err
	}

	if !c.config.PerSensorTopics {
		return nil
	}
	for _, r := range snapshot.Readings {
		msg := TelemetryMessage{
			Metric:    r.ShortName,
			Name:      r.Name,
			Value:     r.Value,
			Unit:      r.Unit,
			Timestamp: snapshot.Timestamp,
			Raw:       r.Raw,
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal telemetry message: %w", err)
		}
		if err := c.publish(fmt.Sprintf("%s/%s", c.config.DataTopic, r.ShortName), payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) publish(topic string, payload []byte) error {
	token := c.mqttClient.Publish(topic, c.config.QoS, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}
