package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/sandmesh/sandbox"
)

// TestMQTTServiceConfigLoading tests configuration loading for MQTT service
func TestMQTTServiceConfigLoading(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	tests := []struct {
		name        string
		configYAML  string
		shouldError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			configYAML: `sensor:
  source: mqtt
  depthTopic: "test/sensor/depth"
mqtt:
  broker: "mqtt://localhost:1883"
  publishPrefix: "sandmesh-test"
  clientId: "test-client"
`,
			shouldError: false,
		},
		{
			name: "missing broker",
			configYAML: `sensor:
  source: mqtt
mqtt:
  publishPrefix: "sandmesh"
`,
			shouldError: true,
			errorMsg:    "mqtt.broker is required",
		},
		{
			name: "unknown source",
			configYAML: `sensor:
  source: serial
`,
			shouldError: true,
			errorMsg:    "unknown sensor.source",
		},
		{
			name: "minSamples above slots",
			configYAML: `stabilizer:
  slots: 4
  minSamples: 6
`,
			shouldError: true,
			errorMsg:    "exceeds stabilizer.slots",
		},
		{
			name:        "invalid YAML",
			configYAML:  "mqtt: [broker",
			shouldError: true,
			errorMsg:    "parsing config YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}

			config, err := sandbox.LoadConfig(configPath)
			if tt.shouldError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if config.MQTT.PublishPrefix != "sandmesh-test" {
				t.Errorf("Expected prefix sandmesh-test, got %s", config.MQTT.PublishPrefix)
			}
			if config.Sensor.ColorTopic == "" {
				t.Error("Expected default color topic")
			}
		})
	}
}

// newMockService wires an App to a mocked broker the way RunService does.
func newMockService(t *testing.T) (*App, *sandbox.MockClient) {
	t.Helper()
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	cfg := testConfig()
	cfg.Sensor.Source = sandbox.SourceMQTT
	cfg.MQTT.PublishPrefix = "sandmesh-test"
	engine, worker := testEngine(t, cfg)

	app := NewApp()
	app.Config = cfg
	app.Engine = engine
	app.Worker = worker

	mock := sandbox.NewMockClient()
	app.MQTTClient = sandbox.NewMQTTClientWithMock(mock, cfg, app.handleCommand)
	app.Publisher = sandbox.NewPublisher(mock, cfg.MQTT.PublishPrefix)
	mock.Connect()
	return app, mock
}

func TestMQTTService_Subscriptions(t *testing.T) {
	_, mock := newMockService(t)

	subs := strings.Join(mock.Subscriptions(), ",")
	for _, topic := range []string{"sandmesh-test/command", "sandmesh/sensor/depth", "sandmesh/sensor/color"} {
		if !strings.Contains(subs, topic) {
			t.Errorf("Expected subscription to %s, got %s", topic, subs)
		}
	}
}

func TestMQTTService_CommandRoundTrip(t *testing.T) {
	app, mock := newMockService(t)

	n := mock.SimulateMessage(app.MQTTClient.CommandTopic(), []byte(`{"command":"setValue","field":"averaging","value":12}`))
	if n != 1 {
		t.Fatalf("Expected one command handler, got %d", n)
	}

	msg, ok := mock.LastPublished("sandmesh-test/response")
	if !ok {
		t.Fatal("Expected a response on sandmesh-test/response")
	}
	if msg.Retain {
		t.Error("Command responses should not be retained")
	}
	var resp sandbox.Response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		t.Fatalf("Invalid response JSON: %v", err)
	}
	if resp.Command != "setValue" || resp.Field != "averaging" {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if resp.Result != float64(0) {
		t.Errorf("Expected result 0, got %v", resp.Result)
	}
	if v, _ := app.Engine.Param(sandbox.ParamAveraging); v != 12 {
		t.Errorf("averaging = %v, want 12", v)
	}
}

func TestMQTTService_CommandErrors(t *testing.T) {
	app, mock := newMockService(t)
	topic := app.MQTTClient.CommandTopic()

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"malformed", `{`, "parsing command JSON"},
		{"unknown command", `{"command":"explode"}`, "unknown command"},
		{"bad kind", `{"command":"startCalibration","kind":"tilt"}`, "unknown calibration kind"},
		{"roi missing", `{"command":"setROI"}`, "roi missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.SimulateMessage(topic, []byte(tt.payload))
			msg, ok := mock.LastPublished("sandmesh-test/response")
			if !ok {
				t.Fatal("Expected a response")
			}
			var resp sandbox.Response
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				t.Fatalf("Invalid response JSON: %v", err)
			}
			text, _ := resp.Result.(string)
			if !strings.Contains(text, tt.want) {
				t.Errorf("Expected result containing %q, got %v", tt.want, resp.Result)
			}
		})
	}
}

func TestMQTTService_DepthFramesReachWorker(t *testing.T) {
	app, mock := newMockService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan sandbox.Frame, 1)
	done := make(chan struct{})
	go func() {
		_ = app.MQTTClient.Run(ctx, frames)
		close(done)
	}()

	raw := sandbox.NewRawDepthFrame(app.Config.Sensor.Width, app.Config.Sensor.Height)
	raw.Fill(900)
	var buf bytes.Buffer
	if err := sandbox.EncodeDepthPNG(&buf, raw); err != nil {
		t.Fatal(err)
	}

	// Run registers the sink asynchronously; retry until a frame arrives.
	deadline := time.After(2 * time.Second)
	for {
		mock.SimulateMessage(app.Config.Sensor.DepthTopic, buf.Bytes())
		select {
		case f := <-frames:
			ff := app.Worker.Process(f)
			snap, _ := app.processFrame(&ff, app.Engine.State())
			if app.StateTracker.FrameCount() != 1 {
				t.Errorf("Expected 1 tracked frame, got %d", app.StateTracker.FrameCount())
			}
			if snap.State.Phase != sandbox.PhaseIdle {
				t.Errorf("Expected idle engine, got %s", snap.State.Phase)
			}
			cancel()
			<-done
			return
		case <-deadline:
			t.Fatal("No frame received from the depth topic")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMQTTService_PublishState(t *testing.T) {
	app, mock := newMockService(t)

	app.publishState(app.Engine.Snapshot())

	msg, ok := mock.LastPublished("sandmesh-test/state")
	if !ok {
		t.Fatal("Expected a retained state message")
	}
	if !msg.Retain {
		t.Error("State should be published retained")
	}
	var snap struct {
		State struct {
			Phase string `json:"phase"`
		} `json:"state"`
		Projector struct {
			Width int `json:"width"`
		} `json:"projector"`
	}
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		t.Fatalf("Invalid state JSON: %v", err)
	}
	if snap.Projector.Width != app.Config.Projector.Width {
		t.Errorf("Expected projector width %d, got %d", app.Config.Projector.Width, snap.Projector.Width)
	}
	if snap.State.Phase != "idle" {
		t.Errorf("Expected phase idle, got %q", snap.State.Phase)
	}
}

func TestMQTTService_NoPublisher(t *testing.T) {
	cfg := testConfig()
	engine, _ := testEngine(t, cfg)
	app := NewApp()
	app.Engine = engine

	// Without MQTT the handlers must still run and not panic.
	app.publishState(engine.Snapshot())
	app.handleCommand([]byte(`{"command":"resetSeaLevel"}`))
}

func TestMQTTService_Disconnect(t *testing.T) {
	app, mock := newMockService(t)
	app.close()
	if mock.IsConnected() {
		t.Error("close should disconnect the broker")
	}
}
