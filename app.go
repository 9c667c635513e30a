package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kwv/sandmesh/sandbox"
	"github.com/kwv/sandmesh/vision"
)

// maxCalibrationSteps bounds a headless calibration run over replay frames.
const maxCalibrationSteps = 20000

// statePublishInterval is how often the retained state topic is refreshed
// when nothing changed.
const statePublishInterval = 5 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config       *sandbox.Config
	Settings     *sandbox.Settings
	StateTracker *sandbox.StateTracker
	Worker       *sandbox.FilterWorker
	Engine       *sandbox.CalibrationEngine
	History      *sandbox.History
	MQTTClient   *sandbox.MQTTClient
	Publisher    *sandbox.Publisher

	// CLI Flags (effectively dependencies)
	DataDir       string
	ConfigFile    string
	SettingsFile  string
	DebugDir      string
	OutputDir     string
	CalibrateKind string
	HttpPort      int
	MqttMode      bool
	HttpMode      bool

	settingsPath string
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: sandbox.NewStateTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.SettingsFile = opts.SettingsFile
	a.DebugDir = opts.DebugDir
	a.OutputDir = opts.OutputDir
	a.CalibrateKind = opts.CalibrateKind
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// resolvePath makes relative paths relative to the data directory.
func (a *App) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || a.DataDir == "" || a.DataDir == "." {
		return p
	}
	return filepath.Join(a.DataDir, p)
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, and resolves every path it names.
func (a *App) loadConfig() error {
	path := a.resolvePath(a.ConfigFile)
	var config *sandbox.Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Warning: No config found at %s, using defaults", path)
		config = sandbox.DefaultConfig()
	} else {
		config, err = sandbox.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w (looked at %s)", err, path)
		}
		log.Printf("Loaded config from %s", path)
	}

	config.Sensor.ReplayDir = a.resolvePath(config.Sensor.ReplayDir)
	config.HistoryDB = a.resolvePath(config.HistoryDB)
	if a.DebugDir != "" {
		config.DebugDir = a.DebugDir
		config.DumpDebugFiles = true
	}
	config.DebugDir = a.resolvePath(config.DebugDir)

	a.settingsPath = config.SettingsFile
	if a.SettingsFile != "" {
		a.settingsPath = a.SettingsFile
	}
	a.settingsPath = a.resolvePath(a.settingsPath)

	a.Config = config
	return nil
}

// setup builds the filter worker and calibration engine and restores the
// persisted calibration.
func (a *App) setup() error {
	if a.Config == nil {
		if err := a.loadConfig(); err != nil {
			return err
		}
	}
	config := a.Config

	mode, err := sandbox.ParseColorFilterMode(config.Calibration.ColorFilterMode)
	if err != nil {
		return err
	}
	a.Worker = sandbox.NewFilterWorker(config.StabilizerConfig(), mode, config.Calibration.ColorFilterFrames)

	searchDir := ""
	if a.DebugDir != "" {
		searchDir = filepath.Join(config.DebugDir, "search")
	}
	opts := []sandbox.EngineOption{
		sandbox.WithRegionDetector(vision.NewROIDetector()),
		sandbox.WithPatternDetector(vision.NewChessboardDetector(config.Calibration.ContrastStretch, searchDir)),
		sandbox.WithSettingsPath(a.settingsPath),
	}
	if config.DebugDir != "" {
		opts = append(opts, sandbox.WithDebugDumper(sandbox.NewDebugDumper(config.DebugDir)))
	}
	if config.HistoryDB != "" && a.History == nil {
		history, err := sandbox.OpenHistory(config.HistoryDB)
		if err != nil {
			log.Printf("Warning: Calibration history disabled: %v", err)
		} else {
			a.History = history
		}
	}
	if a.History != nil {
		opts = append(opts, sandbox.WithRunRecorder(a.History))
	}
	a.Engine = sandbox.NewCalibrationEngine(config, a.Worker, opts...)

	settings, err := sandbox.LoadSettings(a.settingsPath)
	switch {
	case err != nil:
		log.Printf("Warning: Failed to load calibration settings %s: %v", a.settingsPath, err)
	case settings != nil:
		a.Settings = settings
		a.Engine.ApplySettings(settings)
		log.Printf("Loaded calibration settings from %s", a.settingsPath)
	default:
		log.Printf("Warning: No calibration settings found at %s. Elevations use the default base plane.", a.settingsPath)
		log.Printf("Run './sandmesh --calibrate' or send a startCalibration command to generate them.")
	}
	a.StateTracker.UpdateSnapshot(a.Engine.Snapshot())
	return nil
}

func (a *App) close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			log.Printf("Error closing history: %v", err)
		}
	}
}

// historyReader returns the history as an interface, nil when disabled.
func (a *App) historyReader() historyReader {
	if a.History == nil {
		return nil
	}
	return a.History
}

// handleCommand executes an MQTT control command and publishes the response.
func (a *App) handleCommand(payload []byte) {
	var resp sandbox.Response
	cmd, err := sandbox.ParseCommand(payload)
	if err != nil {
		log.Printf("[MQTT] Ignoring malformed command: %v", err)
		resp = sandbox.Response{Result: err.Error()}
	} else {
		resp = sandbox.HandleCommand(a.Engine, cmd)
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishResponse(resp); err != nil {
			log.Printf("Error publishing command response: %v", err)
		}
	}
}

// frameSource picks the configured sensor frame source.
func (a *App) frameSource() (sandbox.FrameSource, error) {
	sensor := a.Config.Sensor
	switch sensor.Source {
	case sandbox.SourceReplay:
		return &sandbox.ReplaySource{Dir: sensor.ReplayDir, Interval: sensor.PollInterval}, nil
	case sandbox.SourceHTTP:
		if sensor.APIURL == "" {
			return nil, fmt.Errorf("sensor.apiUrl is required for the http source")
		}
		return &sandbox.HTTPFrameSource{URL: sensor.APIURL, Interval: sensor.PollInterval}, nil
	case sandbox.SourceMQTT:
		if a.MQTTClient == nil {
			return nil, fmt.Errorf("the mqtt frame source requires --mqtt and a configured broker")
		}
		return a.MQTTClient, nil
	default:
		return nil, fmt.Errorf("unknown frame source %q", sensor.Source)
	}
}

// publishState pushes the engine snapshot to the retained state topic.
func (a *App) publishState(snap sandbox.EngineSnapshot) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishState(snap); err != nil {
		log.Printf("Error publishing state: %v", err)
	}
}

// processFrame runs one filtered frame through the engine and the state
// tracker. It reports whether the calibration state changed.
func (a *App) processFrame(f *sandbox.FilteredFrame, prev sandbox.CalibrationState) (sandbox.EngineSnapshot, bool) {
	if f != nil {
		a.StateTracker.UpdateFrame(*f)
	}
	a.Engine.Step(f)
	snap := a.Engine.Snapshot()
	a.StateTracker.UpdateSnapshot(snap)
	return snap, snap.State != prev
}

// RunService runs the live service: frame source, filter worker,
// calibration engine and the MQTT and HTTP surfaces.
func (a *App) RunService() error {
	fmt.Println("Starting sandmesh service...")

	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.MqttMode {
		mqttClient, err := sandbox.InitMQTT(a.Config, a.handleCommand)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return fmt.Errorf("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient
		a.Publisher = sandbox.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix)
		fmt.Println("MQTT state publisher initialized")
	}

	source, err := a.frameSource()
	if err != nil {
		return err
	}
	frames := make(chan sandbox.Frame, 1)
	go func() {
		if err := source.Run(ctx, frames); err != nil && ctx.Err() == nil {
			log.Printf("Frame source stopped: %v", err)
		}
	}()
	go a.Worker.Run(ctx, frames)

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.StateTracker, a.Engine, a.historyReader(), a.Config),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo()

	ticker := time.NewTicker(statePublishInterval)
	defer ticker.Stop()
	state := a.Engine.State()
	a.publishState(a.Engine.Snapshot())
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case f := <-a.Worker.Frames():
			snap, changed := a.processFrame(&f, state)
			if changed {
				state = snap.State
				a.publishState(snap)
			}
		case <-ticker.C:
			a.publishState(a.Engine.Snapshot())
		}
	}

	fmt.Println("\nShutting down...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	fmt.Println("Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Println("\nService Running")
	fmt.Println("===============")
	fmt.Printf("\nSensor: %dx%d from %s\n", a.Config.Sensor.Width, a.Config.Sensor.Height, a.Config.Sensor.Source)
	fmt.Printf("Projector: %dx%d\n", a.Config.Projector.Width, a.Config.Projector.Height)

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		fmt.Printf("    - %s (commands)\n", a.MQTTClient.CommandTopic())
		if a.Config.Sensor.Source == sandbox.SourceMQTT {
			fmt.Printf("    - %s (depth)\n", a.Config.Sensor.DepthTopic)
			fmt.Printf("    - %s (color)\n", a.Config.Sensor.ColorTopic)
		}
		fmt.Printf("  Publishing to: %s\n", a.Publisher.StateTopic())
		fmt.Printf("  Command responses: %s\n", a.Publisher.ResponseTopic())
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /               - Full-screen projector page")
		fmt.Println("  GET  /health         - Health check")
		fmt.Println("  GET  /state          - Calibration state snapshot")
		fmt.Println("  GET  /depth.png      - Elevation map of the stabilized depth")
		fmt.Println("  GET  /gradient.svg   - Surface gradient field")
		fmt.Println("  GET  /projector.svg  - Projector frame (also .png)")
		fmt.Println("  GET  /roi.geojson    - ROI and calibration point pairs")
		fmt.Println("  GET  /history        - Recent calibration runs")
		fmt.Println("  POST /command        - Control command")
	}
	fmt.Println("\nPress Ctrl+C to stop")
}

// loadReplayFrames reads every recorded frame in the replay directory.
func (a *App) loadReplayFrames() ([]sandbox.Frame, error) {
	dir := a.Config.Sensor.ReplayDir
	recorded, err := sandbox.ListReplayFrames(dir)
	if err != nil {
		return nil, err
	}
	if len(recorded) == 0 {
		return nil, fmt.Errorf("no recorded frames in %s", dir)
	}
	frames := make([]sandbox.Frame, 0, len(recorded))
	for _, rf := range recorded {
		f, err := rf.Load()
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", rf.Depth, err)
		}
		frames = append(frames, f)
	}
	fmt.Printf("Loaded %d recorded frame(s) from %s\n", len(frames), dir)
	return frames, nil
}

// RunCalibration runs a calibration headlessly over the recorded frames,
// confirming every board placement automatically.
func (a *App) RunCalibration() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	kindName := a.CalibrateKind
	if kindName == "" {
		kindName = sandbox.KindFull.String()
	}
	kind, ok := sandbox.ParseCalibrationKind(kindName)
	if !ok {
		return fmt.Errorf("unknown calibration kind %q", kindName)
	}

	frames, err := a.loadReplayFrames()
	if err != nil {
		return err
	}
	if err := a.Engine.StartCalibration(kind); err != nil {
		return err
	}

	state := a.Engine.State()
	for step := 0; state.Busy(); step++ {
		if step >= maxCalibrationSteps {
			_ = a.Engine.Cancel()
			return fmt.Errorf("calibration did not finish after %d frames", maxCalibrationSteps)
		}
		f := a.Worker.Process(frames[step%len(frames)])
		snap, changed := a.processFrame(&f, state)
		if changed {
			fmt.Printf("  [%d] %s: %s\n", step, snap.State.Phase, snap.State.Message)
		}
		state = snap.State
		if state.AwaitingConfirmation {
			if err := a.Engine.Confirm(); err != nil {
				return err
			}
			state = a.Engine.State()
		}
	}

	if state.Failed {
		return fmt.Errorf("calibration failed: %s", state.Message)
	}
	snap := a.Engine.Snapshot()
	fmt.Println("\nCalibration complete")
	fmt.Printf("  ROI: %v\n", snap.ROI)
	if kind != sandbox.KindROI {
		fmt.Printf("  Point pairs: %d\n", len(snap.PointPairs))
		fmt.Printf("  Reprojection error: %.2f px\n", snap.ReprojectionError)
	}
	fmt.Printf("  Settings saved to %s\n", a.settingsPath)
	return nil
}

// RunRender stabilizes the recorded frames and writes the elevation map,
// gradient field, projector frame and calibration GeoJSON to OutputDir.
func (a *App) RunRender() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	frames, err := a.loadReplayFrames()
	if err != nil {
		return err
	}

	// Cycle until one full ring has been filtered.
	var f sandbox.FilteredFrame
	limit := max(len(frames), a.Config.Stabilizer.Slots) * 2
	for i := 0; i < limit; i++ {
		f = a.Worker.Process(frames[i%len(frames)])
		if f.Stabilized && i >= len(frames)-1 {
			break
		}
	}
	snap, _ := a.processFrame(&f, a.Engine.State())

	outDir := a.OutputDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	roi := snap.ROI
	if roi.Empty() {
		roi = f.Depth.Bounds()
	}
	status := "not calibrated"
	if snap.State.Calibrated {
		status = fmt.Sprintf("calibrated, error %.2f px", snap.ReprojectionError)
	}
	img := sandbox.NewElevationRenderer().Render(f.Depth, snap.Transformer, roi, a.Config.StabilizerConfig().Usable, status)
	elevationPath := filepath.Join(outDir, "elevation.png")
	if err := sandbox.SavePNG(elevationPath, img); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", elevationPath)

	if err := writeOutput(filepath.Join(outDir, "gradient.svg"), func(w *os.File) error {
		return sandbox.RenderGradientSVG(w, f.Gradient)
	}); err != nil {
		return err
	}
	if err := writeOutput(filepath.Join(outDir, "projector.svg"), func(w *os.File) error {
		return sandbox.RenderProjectorSVG(w, snap.Projector)
	}); err != nil {
		return err
	}
	return writeOutput(filepath.Join(outDir, "roi.geojson"), func(w *os.File) error {
		data, err := sandbox.CalibrationGeoJSON(snap).MarshalJSON()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
}

func writeOutput(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
