package sandbox

import (
	"context"
	"image"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// CommandHandler is called with the payload of each control command.
type CommandHandler func(payload []byte)

// MQTTClient manages the broker connection: sensor frame topics in,
// control commands in.
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	commandHandler CommandHandler
	isConnected    bool
	mu             sync.RWMutex

	sink       chan Frame
	lastColor  image.Image
	frameCount uint64
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// brokerFromEnv resolves the broker URL, letting MQTT_BROKER override config.
func brokerFromEnv(config *Config) string {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}
	return broker
}

// InitMQTT initializes the global MQTT client with the provided configuration
// If no broker is configured, MQTT is disabled and this returns nil
func InitMQTT(config *Config, handler CommandHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := brokerFromEnv(config)
	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	client := &MQTTClient{
		config:         config,
		commandHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "sandmesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	// Frames arrive at sensor rate; handlers must not block each other.
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
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
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// CommandTopic returns the topic control commands arrive on.
func (c *MQTTClient) CommandTopic() string {
	return c.config.MQTT.PublishPrefix + "/command"
}

// onConnect subscribes to the frame topics (when frames come over MQTT)
// and the command topic.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected, subscribing...")
	c.setConnected(true)

	subs := map[string]mqtt.MessageHandler{
		c.CommandTopic(): c.handleCommand,
	}
	if c.config.Sensor.Source == SourceMQTT {
		subs[c.config.Sensor.DepthTopic] = c.handleDepth
		if c.config.Sensor.ColorTopic != "" {
			subs[c.config.Sensor.ColorTopic] = c.handleColor
		}
	}

	for topic, handler := range subs {
		token := client.Subscribe(topic, 0, handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		} else {
			log.Printf("[MQTT] Subscribed to %s", topic)
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

func (c *MQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	log.Printf("[MQTT] Command received on %s (%d bytes)", msg.Topic(), len(msg.Payload()))
	if c.commandHandler != nil {
		c.commandHandler(msg.Payload())
	}
}

// handleColor keeps the newest color frame to pair with the next depth frame.
func (c *MQTTClient) handleColor(client mqtt.Client, msg mqtt.Message) {
	img, err := DecodeColorFrame(msg.Payload())
	if err != nil {
		log.Printf("[MQTT] Error decoding color frame: %v", err)
		return
	}
	c.mu.Lock()
	c.lastColor = img
	c.mu.Unlock()
}

func (c *MQTTClient) handleDepth(client mqtt.Client, msg mqtt.Message) {
	depth, err := DecodeDepthFrame(msg.Payload())
	if err != nil {
		log.Printf("[MQTT] Error decoding depth frame: %v", err)
		return
	}
	c.mu.Lock()
	sink := c.sink
	f := Frame{Depth: depth, Color: c.lastColor, Captured: time.Now()}
	c.frameCount++
	c.mu.Unlock()

	if sink != nil {
		Offer(sink, f)
	}
}

// Run implements FrameSource: frames received on the sensor topics are
// offered on out until ctx is done.
func (c *MQTTClient) Run(ctx context.Context, out chan Frame) error {
	c.mu.Lock()
	c.sink = out
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	c.sink = nil
	c.mu.Unlock()
	return ctx.Err()
}

// FrameCount returns how many depth frames were received.
func (c *MQTTClient) FrameCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frameCount
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// NewMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client.
// It is used in tests with MockClient; connecting a MockClient runs the
// usual subscribe handler.
func NewMQTTClientWithMock(client mqtt.Client, config *Config, handler CommandHandler) *MQTTClient {
	c := &MQTTClient{
		client:         client,
		config:         config,
		commandHandler: handler,
	}
	if mock, ok := client.(*MockClient); ok {
		mock.SetOnConnect(c.onConnect)
	}
	return c
}
