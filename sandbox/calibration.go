package sandbox

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
)

// DefaultSettingsPath is where calibration results are cached.
const DefaultSettingsPath = ".sandbox-settings.json"

// Default reference geometry before any calibration: a flat sandbox 870mm
// below the sensor, with the ceiling 300mm above it.
var (
	defaultBaseNormal = r3.Vector{X: 0, Y: 0, Z: 1}
	defaultBaseOffset = r3.Vector{X: 0, Y: 0, Z: 870}
)

const defaultMaxOffsetBack = 870 - 300

// Settings is the persisted calibration record.
type Settings struct {
	ROI image.Rectangle `json:"roi"`

	// BasePlaneNormalBack and BasePlaneOffsetBack are the fitted reference
	// plane before tilt and vertical offset are applied.
	BasePlaneNormalBack r3.Vector `json:"basePlaneNormalBack"`
	BasePlaneOffsetBack r3.Vector `json:"basePlaneOffsetBack"`
	BasePlaneEq         Plane     `json:"basePlaneEq"`
	MaxOffsetBack       float64   `json:"maxOffsetBack"`

	SpatialFiltering   bool `json:"spatialFiltering"`
	QuickReaction      bool `json:"quickReaction"`
	NumAveragingSlots  int  `json:"numAveragingSlots"`
	OutlierInpainting  bool `json:"outlierInpainting"`
	FullFrameFiltering bool `json:"fullFrameFiltering"`

	Projection        ProjectionMatrix `json:"projection"`
	ReprojectionError float64          `json:"reprojectionError"`
	LastUpdated       int64            `json:"lastUpdated"`
}

// LoadSettings reads a settings file. A missing file returns (nil, nil).
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Never calibrated
		}
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	return &s, nil
}

// SaveSettings writes s as JSON, creating the directory if needed.
func SaveSettings(path string, s *Settings) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	s.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}

// Calibrated reports whether the settings carry a usable projection.
func (s *Settings) Calibrated() bool {
	return s != nil && !s.Projection.IsZero() && !s.ROI.Empty()
}

// NeedsRecalibration reports whether the settings are missing or older than maxAge.
func (s *Settings) NeedsRecalibration(maxAge time.Duration) bool {
	if !s.Calibrated() || s.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(s.LastUpdated, 0)) > maxAge
}
