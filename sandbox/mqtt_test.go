package sandbox

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mqttTestConfig(source string) *Config {
	cfg := &Config{Sensor: SensorConfig{Width: 4, Height: 3, Source: source}}
	cfg.MQTT.PublishPrefix = "lab"
	cfg.ApplyDefaults()
	return cfg
}

func TestMQTTClient_SubscribesOnConnect(t *testing.T) {
	tests := []struct {
		source string
		want   []string
	}{
		{SourceMQTT, []string{"lab/command", "sandmesh/sensor/color", "sandmesh/sensor/depth"}},
		{SourceReplay, []string{"lab/command"}},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			mock := NewMockClient()
			c := NewMQTTClientWithMock(mock, mqttTestConfig(tt.source), nil)
			mock.Connect()

			assert.True(t, c.IsConnected())
			assert.Equal(t, tt.want, mock.Subscriptions())
			assert.Equal(t, "lab/command", c.CommandTopic())
		})
	}
}

func TestMQTTClient_Commands(t *testing.T) {
	mock := NewMockClient()
	var got [][]byte
	NewMQTTClientWithMock(mock, mqttTestConfig(SourceMQTT), func(payload []byte) {
		got = append(got, payload)
	})
	mock.Connect()

	mock.SimulateMessage("lab/command", []byte(`{"command":"getState"}`))
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"command":"getState"}`, string(got[0]))
}

func TestMQTTClient_FramesPairDepthWithLatestColor(t *testing.T) {
	mock := NewMockClient()
	cfg := mqttTestConfig(SourceMQTT)
	c := NewMQTTClientWithMock(mock, cfg, nil)
	mock.Connect()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Frame, 1)
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, out) }()

	var colorPNG bytes.Buffer
	require.NoError(t, png.Encode(&colorPNG, image.NewGray(image.Rect(0, 0, 4, 3))))
	depth, err := EncodeRawDepth(constantFrame(4, 3, 640))
	require.NoError(t, err)

	mock.SimulateMessage(cfg.Sensor.ColorTopic, colorPNG.Bytes())
	mock.SimulateMessage(cfg.Sensor.ColorTopic, []byte("not an image"))

	var f Frame
	require.Eventually(t, func() bool {
		mock.SimulateMessage(cfg.Sensor.DepthTopic, depth)
		select {
		case f = <-out:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "Run never installed its sink")

	assert.Equal(t, uint16(640), f.Depth.At(0, 0))
	require.NotNil(t, f.Color, "a bad color payload keeps the previous image")
	assert.Equal(t, image.Rect(0, 0, 4, 3), f.Color.Bounds())

	before := c.FrameCount()
	mock.SimulateMessage(cfg.Sensor.DepthTopic, []byte{1, 2})
	assert.Equal(t, before, c.FrameCount(), "undecodable frames are dropped")

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mock := NewMockClient()
	c := NewMQTTClientWithMock(mock, mqttTestConfig(SourceReplay), nil)
	mock.Connect()

	c.onConnectionLost(mock, assert.AnError)
	assert.False(t, c.IsConnected())

	c.setConnected(true)
	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.False(t, mock.IsConnected())
	assert.Same(t, mock, c.GetClient())
}

func TestInitMQTT_DisabledWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	c, err := InitMQTT(mqttTestConfig(SourceReplay), nil)
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestBrokerFromEnv(t *testing.T) {
	cfg := mqttTestConfig(SourceReplay)
	cfg.MQTT.Broker = "tcp://config:1883"

	t.Setenv("MQTT_BROKER", "")
	assert.Equal(t, "tcp://config:1883", brokerFromEnv(cfg))

	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	assert.Equal(t, "tcp://env:1883", brokerFromEnv(cfg))
}
