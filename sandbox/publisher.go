package sandbox

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes engine state and command responses to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	mu            sync.Mutex
	lastState     *EngineSnapshot
}

// NewPublisher creates a publisher. The topic prefix comes from
// MQTT_PUBLISH_PREFIX, then prefix, then "sandmesh".
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "sandmesh"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
	}
}

// StateTopic is where the retained engine state is published.
func (p *Publisher) StateTopic() string {
	return p.publishPrefix + "/state"
}

// ResponseTopic is where command responses are published.
func (p *Publisher) ResponseTopic() string {
	return p.publishPrefix + "/response"
}

// PublishState publishes a retained engine snapshot.
func (p *Publisher) PublishState(s EngineSnapshot) error {
	if err := p.publish(p.StateTopic(), true, s); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastState = &s
	p.mu.Unlock()
	return nil
}

// PublishResponse publishes the response to a control command.
func (p *Publisher) PublishResponse(r Response) error {
	return p.publish(p.ResponseTopic(), false, r)
}

// LastState returns the most recently published snapshot.
func (p *Publisher) LastState() (*EngineSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastState == nil {
		return nil, false
	}
	s := *p.lastState
	return &s, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

func (p *Publisher) publish(topic string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	log.Printf("[MQTT] Published %d bytes to %s", len(payload), topic)
	return nil
}
