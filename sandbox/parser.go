package sandbox

import (
	"encoding/json"
	"fmt"
	"image"
	"strings"
)

// Control command names.
const (
	CommandGetState         = "getState"
	CommandGetValue         = "getValue"
	CommandSetValue         = "setValue"
	CommandStartCalibration = "startCalibration"
	CommandCancel           = "cancel"
	CommandConfirm          = "confirm"
	CommandSetROI           = "setROI"
	CommandResetSeaLevel    = "resetSeaLevel"
)

// Command is one control request, received over MQTT or HTTP.
type Command struct {
	Command string          `json:"command"`
	Field   string          `json:"field,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	ROI     *ROIRect        `json:"roi,omitempty"`
}

// ROIRect is the wire form of a region of interest.
type ROIRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rectangle converts r to an image.Rectangle.
func (r ROIRect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// ROIRectFrom converts an image.Rectangle to its wire form.
func ROIRectFrom(r image.Rectangle) ROIRect {
	return ROIRect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// ParseCommand parses a JSON control command.
func ParseCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing command JSON: %w", err)
	}
	if strings.TrimSpace(c.Command) == "" {
		return nil, fmt.Errorf("command name missing")
	}
	return &c, nil
}

// NumericValue returns Value as a number. Booleans map to 0 and 1.
func (c *Command) NumericValue() (float64, error) {
	if len(c.Value) == 0 {
		return 0, fmt.Errorf("%s: value missing", c.Field)
	}
	var b bool
	if err := json.Unmarshal(c.Value, &b); err == nil {
		return boolValue(b), nil
	}
	var f float64
	if err := json.Unmarshal(c.Value, &f); err != nil {
		return 0, fmt.Errorf("%s: value must be a bool or a number, got %s", c.Field, string(c.Value))
	}
	return f, nil
}

// Response answers a Command. Result is 0 on success and the error text
// otherwise.
type Response struct {
	Command string          `json:"command"`
	Field   string          `json:"field,omitempty"`
	Value   interface{}     `json:"value,omitempty"`
	Result  interface{}     `json:"result"`
	State   *EngineSnapshot `json:"state,omitempty"`
}

// OK reports whether the command succeeded.
func (r Response) OK() bool {
	n, ok := r.Result.(int)
	return ok && n == 0
}
