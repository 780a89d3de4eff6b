package scanreg

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// AlignRequest is the payload of an alignment command received over MQTT.
// An empty Scan means "align every group".
type AlignRequest struct {
	Scan    string `json:"scan,omitempty"`
	Partner string `json:"partner,omitempty"`
}

// AlignRequestHandler is called for each alignment command received.
type AlignRequestHandler func(req AlignRequest)

// MQTTClient manages the broker connection and the alignment command subscription.
type MQTTClient struct {
	client      mqtt.Client
	config      *MQTTConfig
	onRequest   AlignRequestHandler
	isConnected bool
	mu          sync.RWMutex
}

// ResolveMQTTConfig merges MQTT_* environment variables over the config file values.
// Environment wins.
func ResolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		cfg.PublishPrefix = v
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "scanreg"
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "scanreg"
	}
	return cfg
}

// CommandTopic is the topic alignment requests arrive on.
func (c MQTTConfig) CommandTopic() string {
	return strings.TrimSuffix(c.PublishPrefix, "/") + "/align/set"
}

// InitMQTT connects to the configured broker in the background.
// With no broker configured MQTT is disabled and this returns nil, nil.
func InitMQTT(cfg MQTTConfig, handler AlignRequestHandler) (*MQTTClient, error) {
	cfg = ResolveMQTTConfig(cfg)
	if cfg.Broker == "" {
		log.Println("[MQTT] Disabled: no broker configured")
		return nil, nil
	}

	client := &MQTTClient{config: &cfg, onRequest: handler}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Println("[MQTT] Reconnecting...")
	})

	client.client = mqtt.NewClient(opts)
	go client.connectWithRetry()
	return client, nil
}

// newMQTTClientWithMock wraps an existing mqtt.Client, for tests.
func newMQTTClientWithMock(client mqtt.Client, cfg MQTTConfig, handler AlignRequestHandler) *MQTTClient {
	cfg = ResolveMQTTConfig(cfg)
	return &MQTTClient{client: client, config: &cfg, onRequest: handler}
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	topic := c.config.CommandTopic()
	token := client.Subscribe(topic, 0, c.handleCommand)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("[MQTT] Subscribed to %s", topic)
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// handleCommand accepts either a JSON AlignRequest or a bare scan name.
func (c *MQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	var req AlignRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		req = AlignRequest{Scan: strings.TrimSpace(string(payload))}
		if req.Scan == "all" {
			req.Scan = ""
		}
	}
	log.Printf("[MQTT] Align request on %s: scan=%q partner=%q", msg.Topic(), req.Scan, req.Partner)
	if c.onRequest != nil {
		c.onRequest(req)
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// Config returns the resolved connection settings.
func (c *MQTTClient) Config() MQTTConfig {
	return *c.config
}

func (c *MQTTClient) String() string {
	return fmt.Sprintf("mqtt(%s as %s)", c.config.Broker, c.config.ClientID)
}
