package sandbox

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Frame source kinds.
const (
	SourceMQTT   = "mqtt"
	SourceHTTP   = "http"
	SourceReplay = "replay"
)

// Config is the service configuration file.
type Config struct {
	Sensor      SensorConfig      `yaml:"sensor"`
	Projector   ProjectorConfig   `yaml:"projector"`
	Stabilizer  StabilizerOptions `yaml:"stabilizer"`
	Calibration CalibrationConfig `yaml:"calibration"`
	MQTT        MQTTConfig        `yaml:"mqtt"`

	SettingsFile   string `yaml:"settingsFile"`
	HistoryDB      string `yaml:"historyDb"`
	DebugDir       string `yaml:"debugDir"`
	DumpDebugFiles bool   `yaml:"dumpDebugFiles"`
}

// SensorConfig describes the depth/color sensor and where frames come from.
type SensorConfig struct {
	Width      int        `yaml:"width"`
	Height     int        `yaml:"height"`
	Intrinsics Intrinsics `yaml:",inline"`

	Source       string        `yaml:"source"`
	DepthTopic   string        `yaml:"depthTopic"`
	ColorTopic   string        `yaml:"colorTopic"`
	APIURL       string        `yaml:"apiUrl"`
	ReplayDir    string        `yaml:"replayDir"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// ProjectorConfig is the projector resolution in pixels.
type ProjectorConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// StabilizerOptions is the stabilizer section of the config file. Unset
// toggles keep their defaults.
type StabilizerOptions struct {
	Slots              int     `yaml:"slots"`
	MinSamples         int     `yaml:"minSamples"`
	MaxVariance        float64 `yaml:"maxVariance"`
	Hysteresis         float64 `yaml:"hysteresis"`
	BigChange          float64 `yaml:"bigChange"`
	InstableValue      float32 `yaml:"instableValue"`
	InvalidValue       float32 `yaml:"invalidValue"`
	GradientResolution int     `yaml:"gradientResolution"`
	MaxGradient        float64 `yaml:"maxGradient"`

	RetainValids       *bool `yaml:"retainValids"`
	SpatialFiltering   *bool `yaml:"spatialFiltering"`
	FollowBigChanges   *bool `yaml:"followBigChanges"`
	Inpainting         *bool `yaml:"inpainting"`
	FullFrameFiltering *bool `yaml:"fullFrameFiltering"`
}

// StabilizerConfig returns the filter configuration for the sensor.
func (c *Config) StabilizerConfig() StabilizerConfig {
	o := c.Stabilizer
	cfg := DefaultStabilizerConfig(c.Sensor.Width, c.Sensor.Height)
	cfg.Slots = o.Slots
	cfg.MinSamples = o.MinSamples
	cfg.MaxVariance = o.MaxVariance
	cfg.Hysteresis = o.Hysteresis
	cfg.BigChange = o.BigChange
	cfg.InstableValue = o.InstableValue
	cfg.InvalidValue = o.InvalidValue
	cfg.GradientResolution = o.GradientResolution
	cfg.MaxGradient = o.MaxGradient
	setBool(&cfg.RetainValids, o.RetainValids)
	setBool(&cfg.SpatialFiltering, o.SpatialFiltering)
	setBool(&cfg.FollowBigChanges, o.FollowBigChanges)
	setBool(&cfg.Inpainting, o.Inpainting)
	setBool(&cfg.FullFrameFiltering, o.FullFrameFiltering)
	return cfg
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// CalibrationConfig tunes the calibration engine.
type CalibrationConfig struct {
	ChessboardSize       float64 `yaml:"chessboardSize"`
	ChessboardX          int     `yaml:"chessboardX"`
	ChessboardY          int     `yaml:"chessboardY"`
	MaxReprojectionError float64 `yaml:"maxReprojectionError"`
	MaxTrials            int     `yaml:"maxTrials"`
	MaxShrinks           int     `yaml:"maxShrinks"`
	ColorFilterFrames    int     `yaml:"colorFilterFrames"`
	ColorFilterMode      string  `yaml:"colorFilterMode"`
	MaxOffsetSafeRange   float64 `yaml:"maxOffsetSafeRange"`
	ROISource            string  `yaml:"roiSource"`
	ContrastStretch      bool    `yaml:"contrastStretch"`
}

// MQTTConfig holds broker settings. Environment variables take precedence.
type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"clientId"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PublishPrefix string `yaml:"publishPrefix"`
}

// DefaultConfig returns a configuration for a 640x480 sensor replaying
// frames from ./frames.
func DefaultConfig() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	s := &c.Sensor
	if s.Width == 0 {
		s.Width = 640
	}
	if s.Height == 0 {
		s.Height = 480
	}
	if s.Intrinsics == (Intrinsics{}) {
		s.Intrinsics = DefaultIntrinsics(s.Width, s.Height)
	}
	if s.Source == "" {
		s.Source = SourceReplay
	}
	if s.DepthTopic == "" {
		s.DepthTopic = "sandmesh/sensor/depth"
	}
	if s.ColorTopic == "" {
		s.ColorTopic = "sandmesh/sensor/color"
	}
	if s.Source == SourceReplay && s.ReplayDir == "" {
		s.ReplayDir = "frames"
	}
	if s.PollInterval == 0 {
		s.PollInterval = 33 * time.Millisecond
	}

	if c.Projector.Width == 0 {
		c.Projector.Width = 1024
	}
	if c.Projector.Height == 0 {
		c.Projector.Height = 768
	}

	def := DefaultStabilizerConfig(s.Width, s.Height)
	st := &c.Stabilizer
	if st.Slots == 0 {
		st.Slots = def.Slots
	}
	if st.MinSamples == 0 {
		st.MinSamples = (st.Slots + 1) / 2
	}
	if st.MaxVariance == 0 {
		st.MaxVariance = def.MaxVariance
	}
	if st.Hysteresis == 0 {
		st.Hysteresis = def.Hysteresis
	}
	if st.BigChange == 0 {
		st.BigChange = def.BigChange
	}
	if st.InvalidValue == 0 {
		st.InvalidValue = def.InvalidValue
	}
	if st.GradientResolution == 0 {
		st.GradientResolution = def.GradientResolution
	}
	if st.MaxGradient == 0 {
		st.MaxGradient = def.MaxGradient
	}

	cal := &c.Calibration
	if cal.ChessboardSize == 0 {
		cal.ChessboardSize = 300
	}
	if cal.ChessboardX == 0 {
		cal.ChessboardX = 5
	}
	if cal.ChessboardY == 0 {
		cal.ChessboardY = 4
	}
	if cal.MaxReprojectionError == 0 {
		cal.MaxReprojectionError = 50
	}
	if cal.MaxTrials == 0 {
		cal.MaxTrials = 3
	}
	if cal.MaxShrinks == 0 {
		cal.MaxShrinks = 8
	}
	if cal.ColorFilterFrames == 0 {
		cal.ColorFilterFrames = 5
	}
	if cal.ColorFilterMode == "" {
		cal.ColorFilterMode = string(ColorFilterMedian)
	}
	if cal.MaxOffsetSafeRange == 0 {
		cal.MaxOffsetSafeRange = 50
	}
	if cal.ROISource == "" {
		cal.ROISource = ROISourceDepth
	}

	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = "sandmesh"
	}
	if c.SettingsFile == "" {
		c.SettingsFile = DefaultSettingsPath
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Sensor.Width <= 0 || c.Sensor.Height <= 0 {
		return fmt.Errorf("sensor.width and sensor.height must be positive")
	}
	if c.Projector.Width <= 0 || c.Projector.Height <= 0 {
		return fmt.Errorf("projector.width and projector.height must be positive")
	}
	switch c.Sensor.Source {
	case SourceMQTT:
		if c.MQTT.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
			return fmt.Errorf("mqtt.broker is required for sensor.source %q", SourceMQTT)
		}
	case SourceHTTP:
		if c.Sensor.APIURL == "" {
			return fmt.Errorf("sensor.apiUrl is required for sensor.source %q", SourceHTTP)
		}
	case SourceReplay:
		if c.Sensor.ReplayDir == "" {
			return fmt.Errorf("sensor.replayDir is required for sensor.source %q", SourceReplay)
		}
	default:
		return fmt.Errorf("unknown sensor.source %q", c.Sensor.Source)
	}
	if c.Stabilizer.Slots < 1 {
		return fmt.Errorf("stabilizer.slots must be at least 1")
	}
	if c.Stabilizer.MinSamples > c.Stabilizer.Slots {
		return fmt.Errorf("stabilizer.minSamples (%d) exceeds stabilizer.slots (%d)",
			c.Stabilizer.MinSamples, c.Stabilizer.Slots)
	}
	if c.Calibration.ChessboardX < 2 || c.Calibration.ChessboardY < 2 {
		return fmt.Errorf("calibration.chessboardX and chessboardY must be at least 2")
	}
	if _, err := ParseColorFilterMode(c.Calibration.ColorFilterMode); err != nil {
		return fmt.Errorf("calibration.colorFilterMode: %w", err)
	}
	switch c.Calibration.ROISource {
	case ROISourceDepth, ROISourceColor:
	default:
		return fmt.Errorf("unknown calibration.roiSource %q", c.Calibration.ROISource)
	}
	return nil
}

// LoadConfig reads, defaults and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
