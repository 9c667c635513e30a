package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile    string
	SettingsFile  string
	DataDir       string
	DebugDir      string
	OutputDir     string
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
	CalibrateOnly bool
	CalibrateKind string
	RenderOnly    bool
}

// AppRunner is what run dispatches to. *App implements it; tests use a mock.
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunCalibration() error
	RunRender() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("sandmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.SettingsFile, "settings", "", "Path to calibration settings file (default from config)")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory that relative config, settings and replay paths resolve against")
	fs.StringVar(&opts.DebugDir, "debug-dir", "", "Write calibration debug images to this directory")
	fs.StringVar(&opts.OutputDir, "output", "render", "Output directory for --render mode")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run service mode with the MQTT control and sensor topics")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run service mode with the HTTP endpoints")
	fs.BoolVar(&opts.CalibrateOnly, "calibrate", false, "Run a headless calibration over replay frames and exit")
	fs.StringVar(&opts.CalibrateKind, "kind", "full", "Calibration kind for --calibrate: full, roi or projector")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render elevation, gradient, projector and ROI files from one replay frame and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "sandmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.CalibrateOnly:
		return app.RunCalibration()
	case opts.RenderOnly:
		return app.RunRender()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "Use --calibrate to run a calibration against recorded frames")
	fmt.Fprintln(out, "Use --render to write elevation and projector images")
	fmt.Fprintln(out, "Use --mqtt to run the MQTT service mode")
	fmt.Fprintln(out, "Use --http to run the HTTP server mode")
	fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - sensor, projector, stabilizer and MQTT settings")
	fmt.Fprintln(out, "  .sandbox-settings.json - persisted calibration (written on success)")
	return nil
}
