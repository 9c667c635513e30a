package sandbox

import (
	"encoding/json"
	"testing"
)

func TestNewPublisher(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	publisher := NewPublisher(nil, "")
	if publisher.publishPrefix != "sandmesh" {
		t.Errorf("Default prefix = %s, want sandmesh", publisher.publishPrefix)
	}
	if publisher.qos != 0 {
		t.Errorf("Default QoS = %d, want 0", publisher.qos)
	}
	if got := NewPublisher(nil, "lab").StateTopic(); got != "lab/state" {
		t.Errorf("StateTopic = %s, want lab/state", got)
	}

	t.Setenv("MQTT_PUBLISH_PREFIX", "env")
	if got := NewPublisher(nil, "lab").ResponseTopic(); got != "env/response" {
		t.Errorf("ResponseTopic = %s, want env/response", got)
	}
}

func TestPublisher_SetQoS(t *testing.T) {
	publisher := NewPublisher(nil, "lab")
	publisher.SetQoS(2)
	if publisher.qos != 2 {
		t.Errorf("QoS = %d, want 2", publisher.qos)
	}
	publisher.SetQoS(3)
	if publisher.qos != 2 {
		t.Errorf("invalid QoS should be ignored, got %d", publisher.qos)
	}
}

func TestPublisher_PublishState(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "lab")

	if _, ok := publisher.LastState(); ok {
		t.Error("LastState should be empty before publishing")
	}

	snap := EngineSnapshot{
		State:     CalibrationState{Phase: PhaseDone, Calibrated: true},
		MaxOffset: 550,
	}
	if err := publisher.PublishState(snap); err != nil {
		t.Fatalf("PublishState error: %v", err)
	}

	msg, ok := mock.LastPublished("lab/state")
	if !ok {
		t.Fatal("nothing published on lab/state")
	}
	if !msg.Retain {
		t.Error("state should be retained")
	}
	var decoded struct {
		State struct {
			Phase      string `json:"phase"`
			Calibrated bool   `json:"calibrated"`
		} `json:"state"`
		MaxOffset float64 `json:"maxOffset"`
	}
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("state payload is not JSON: %v", err)
	}
	if decoded.State.Phase != "done" || !decoded.State.Calibrated || decoded.MaxOffset != 550 {
		t.Errorf("decoded state = %+v", decoded)
	}

	last, ok := publisher.LastState()
	if !ok || last.MaxOffset != 550 {
		t.Errorf("LastState = %+v, %v", last, ok)
	}
}

func TestPublisher_PublishResponse(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "lab")

	resp := Response{Command: CommandSetValue, Field: "averaging", Value: 12.0, Result: 0}
	if err := publisher.PublishResponse(resp); err != nil {
		t.Fatalf("PublishResponse error: %v", err)
	}
	msg, ok := mock.LastPublished("lab/response")
	if !ok {
		t.Fatal("nothing published on lab/response")
	}
	if msg.Retain {
		t.Error("responses should not be retained")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("response payload is not JSON: %v", err)
	}
	if decoded["field"] != "averaging" || decoded["result"] != 0.0 || decoded["value"] != 12.0 {
		t.Errorf("decoded response = %v", decoded)
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	if err := NewPublisher(nil, "lab").PublishState(EngineSnapshot{}); err == nil {
		t.Error("publishing without a client should fail")
	}

	mock := NewMockClient()
	publisher := NewPublisher(mock, "lab")
	if err := publisher.PublishResponse(Response{Command: "x", Result: 0}); err == nil {
		t.Error("publishing while disconnected should fail")
	}
	if _, ok := publisher.LastState(); ok {
		t.Error("failed publishes should not update LastState")
	}
}
