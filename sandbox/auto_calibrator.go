package sandbox

import (
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

const (
	// lowTargets is how many pattern positions are measured on the sand
	// before the operator covers the sandbox with a board.
	lowTargets = 5
	// displayLatencyFrames covers the projector showing a new pattern.
	displayLatencyFrames = 3
	// planeFitScale shrinks the ROI for plane fits, away from the walls.
	planeFitScale = 0.75
)

// ROI detection sources.
const (
	ROISourceDepth = "depth"
	ROISourceColor = "color"
)

// Polarity selects which side of a threshold is foreground.
type Polarity int

const (
	// PolarityAbove keeps pixels brighter than the threshold.
	PolarityAbove Polarity = iota
	// PolarityBelow keeps pixels at or below the threshold.
	PolarityBelow
)

// RegionDetector finds the sandbox rectangle around center. An empty
// rectangle means nothing was found.
type RegionDetector interface {
	DetectRegion(img *image.Gray, center image.Point, polarity Polarity) image.Rectangle
}

// PatternDetector finds the inner corners of a chessboard inside roi,
// refined to sub-pixel accuracy, in row-major order.
type PatternDetector interface {
	FindChessboard(img *image.Gray, roi image.Rectangle, inner image.Point) ([]r2.Point, bool)
}

// RunRecorder stores the history of calibration runs.
type RunRecorder interface {
	StartRun(kind CalibrationKind, started time.Time) (string, error)
	FinishRun(id string, result RunResult) error
}

// RunResult is the outcome of one calibration run.
type RunResult struct {
	Outcome           string    `json:"outcome"`
	Message           string    `json:"message,omitempty"`
	ReprojectionError float64   `json:"reprojectionError"`
	PointPairs        int       `json:"pointPairs"`
	Finished          time.Time `json:"finished"`
}

// Run outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

var (
	// ErrCalibrationBusy is returned when a run is already in progress.
	ErrCalibrationBusy = errors.New("calibration already running")
	// ErrNotAwaitingConfirmation is returned by Confirm outside a pause.
	ErrNotAwaitingConfirmation = errors.New("calibration is not awaiting confirmation")
	// ErrNoROI is returned when the projector is calibrated without a ROI.
	ErrNoROI = errors.New("no region of interest")
)

// EngineOption configures a CalibrationEngine.
type EngineOption func(*CalibrationEngine)

// WithRegionDetector sets the ROI detector.
func WithRegionDetector(d RegionDetector) EngineOption {
	return func(e *CalibrationEngine) { e.regions = d }
}

// WithPatternDetector sets the chessboard detector.
func WithPatternDetector(d PatternDetector) EngineOption {
	return func(e *CalibrationEngine) { e.patterns = d }
}

// WithRunRecorder records calibration runs.
func WithRunRecorder(r RunRecorder) EngineOption {
	return func(e *CalibrationEngine) { e.recorder = r }
}

// WithDebugDumper writes debug artifacts when dumping is enabled.
func WithDebugDumper(d *DebugDumper) EngineOption {
	return func(e *CalibrationEngine) { e.dumper = d }
}

// WithSettingsPath persists calibration results to path.
func WithSettingsPath(path string) EngineOption {
	return func(e *CalibrationEngine) { e.settingsPath = path }
}

// CalibrationEngine drives ROI detection, plane fitting and projector
// calibration. Step is called once per tick and never blocks; every other
// method may be called from any goroutine.
type CalibrationEngine struct {
	mu sync.Mutex

	cfg          *Config
	filter       FilterController
	regions      RegionDetector
	patterns     PatternDetector
	recorder     RunRecorder
	dumper       *DebugDumper
	settingsPath string

	state       CalibrationState
	transformer CoordinateTransformer
	roi         image.Rectangle

	normalBack, offsetBack   r3.Vector
	tiltX, tiltY, vertical   float64
	maxOffset, maxOffsetBack float64
	reprojError              float64
	averaging                int
	spatialFiltering         bool
	quickReaction            bool
	inpainting               bool
	fullFrame                bool
	showROI                  bool
	dumpDebug                bool

	// Per-run state. The fitted base plane and the board ceiling are
	// candidates until compute commits them with the projection.
	runID     string
	runNormal r3.Vector
	runOffset r3.Vector
	runCeil   float64
	hasCeil   bool
	pairs     []PointPair
	targets   []r2.Point
	target    int
	offset    r2.Point
	trials    int
	shrinks   int
	runError  float64
	upframe   bool
	entered   bool
	waitEpoch uint64
	projector ProjectorView
	last      *FilteredFrame
}

// NewCalibrationEngine returns an idle engine using cfg defaults. Filter
// commands are sent to filter.
func NewCalibrationEngine(cfg *Config, filter FilterController, opts ...EngineOption) *CalibrationEngine {
	st := cfg.StabilizerConfig()
	e := &CalibrationEngine{
		cfg:              cfg,
		filter:           filter,
		transformer:      NewCoordinateTransformer(cfg.Sensor.Width, cfg.Sensor.Height, cfg.Sensor.Intrinsics),
		normalBack:       defaultBaseNormal,
		offsetBack:       defaultBaseOffset,
		maxOffsetBack:    defaultMaxOffsetBack,
		maxOffset:        defaultMaxOffsetBack,
		averaging:        st.Slots,
		spatialFiltering: st.SpatialFiltering,
		quickReaction:    st.FollowBigChanges,
		inpainting:       st.Inpainting,
		fullFrame:        st.FullFrameFiltering,
		dumpDebug:        cfg.DumpDebugFiles,
		projector:        ProjectorView{Width: cfg.Projector.Width, Height: cfg.Projector.Height},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.updatePlane()
	e.send(FilterCommand{Kind: CmdSetMaxOffset, Value: e.maxOffset})
	return e
}

// ApplySettings restores a persisted calibration and pushes it into the filter.
func (e *CalibrationEngine) ApplySettings(s *Settings) {
	if s == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !s.ROI.Empty() {
		e.roi = ClampROI(s.ROI, e.cfg.Sensor.Width, e.cfg.Sensor.Height)
		e.send(FilterCommand{Kind: CmdSetROI, ROI: e.roi})
	}
	if s.BasePlaneNormalBack.Norm() > 0 {
		e.normalBack = s.BasePlaneNormalBack
		e.offsetBack = s.BasePlaneOffsetBack
	}
	if s.MaxOffsetBack != 0 {
		e.maxOffsetBack = s.MaxOffsetBack
		e.maxOffset = s.MaxOffsetBack
	}
	e.spatialFiltering = s.SpatialFiltering
	e.quickReaction = s.QuickReaction
	e.inpainting = s.OutlierInpainting
	e.fullFrame = s.FullFrameFiltering
	if s.NumAveragingSlots > 0 {
		e.averaging = s.NumAveragingSlots
		e.send(FilterCommand{Kind: CmdSetSlots, Slots: e.averaging})
	}
	e.send(FilterCommand{Kind: CmdSetMaxOffset, Value: e.maxOffset})
	e.send(FilterCommand{Kind: CmdSetSpatialFiltering, Enabled: e.spatialFiltering})
	e.send(FilterCommand{Kind: CmdSetFollowBigChanges, Enabled: e.quickReaction})
	e.send(FilterCommand{Kind: CmdSetInpainting, Enabled: e.inpainting})
	e.send(FilterCommand{Kind: CmdSetFullFrameFiltering, Enabled: e.fullFrame})

	if !s.Projection.IsZero() {
		e.transformer = e.transformer.WithProjection(s.Projection)
		e.reprojError = s.ReprojectionError
		e.state.Calibrated = !e.roi.Empty()
	}
	e.updatePlane()
	log.Printf("[AUTO-CAL] Restored settings: roi=%v calibrated=%v", e.roi, e.state.Calibrated)
}

// Settings returns the persistable calibration record.
func (e *CalibrationEngine) Settings() *Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settingsLocked()
}

func (e *CalibrationEngine) settingsLocked() *Settings {
	return &Settings{
		ROI:                 e.roi,
		BasePlaneNormalBack: e.normalBack,
		BasePlaneOffsetBack: e.offsetBack,
		BasePlaneEq:         e.transformer.Plane,
		MaxOffsetBack:       e.maxOffsetBack,
		SpatialFiltering:    e.spatialFiltering,
		QuickReaction:       e.quickReaction,
		NumAveragingSlots:   e.averaging,
		OutlierInpainting:   e.inpainting,
		FullFrameFiltering:  e.fullFrame,
		Projection:          e.transformer.Projection,
		ReprojectionError:   e.reprojError,
	}
}

func (e *CalibrationEngine) persist() {
	if e.settingsPath == "" {
		return
	}
	if err := SaveSettings(e.settingsPath, e.settingsLocked()); err != nil {
		log.Printf("[AUTO-CAL] Failed to save settings: %v", err)
		return
	}
	log.Printf("[AUTO-CAL] Settings saved to %s", e.settingsPath)
}

// Transformer returns the current coordinate transformer.
func (e *CalibrationEngine) Transformer() CoordinateTransformer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transformer
}

// State returns a copy of the state machine value.
func (e *CalibrationEngine) State() CalibrationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a read-only copy of the engine.
func (e *CalibrationEngine) Snapshot() EngineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	params := make(map[string]float64, len(AllParams))
	for _, p := range AllParams {
		v, _ := e.paramLocked(p)
		params[p.String()] = v
	}
	pairs := make([]PointPair, len(e.pairs))
	copy(pairs, e.pairs)
	targets := make([]r2.Point, len(e.targets))
	copy(targets, e.targets)
	view := e.projector
	view.Outline = append([]r2.Point(nil), e.projector.Outline...)

	return EngineSnapshot{
		State:             e.state,
		ROI:               e.roi,
		Transformer:       e.transformer,
		MaxOffset:         e.maxOffset,
		ReprojectionError: e.reprojError,
		PointPairs:        pairs,
		Targets:           targets,
		CurrentTarget:     e.target,
		Params:            params,
		Projector:         view,
		Timestamp:         time.Now(),
	}
}

// send forwards a filter command and remembers its epoch.
func (e *CalibrationEngine) send(cmd FilterCommand) {
	if e.filter == nil {
		return
	}
	e.waitEpoch = e.filter.Send(cmd)
}

// ---------------------------------------------------------------------------
// Control surface
// ---------------------------------------------------------------------------

// StartCalibration begins a calibration run of the given kind.
func (e *CalibrationEngine) StartCalibration(kind CalibrationKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Busy() {
		return ErrCalibrationBusy
	}
	next := CalibrationState{Kind: kind, Calibrated: e.state.Calibrated}
	switch kind {
	case KindFull, KindROI:
		next.Phase = PhaseROIDetection
		next.ROIStage = ROIInit
		next.Message = "Detecting sandbox region"
	case KindProjector:
		if e.roi.Empty() {
			return ErrNoROI
		}
		next.Phase = PhaseAutoCalibration
		next.Auto = AutoInitPlane
		next.Message = "Calibrating projector"
	default:
		return fmt.Errorf("unknown calibration kind %d", kind)
	}
	e.resetRun()
	e.state = next

	if e.recorder != nil {
		id, err := e.recorder.StartRun(kind, time.Now())
		if err != nil {
			log.Printf("[AUTO-CAL] Failed to record run start: %v", err)
		}
		e.runID = id
	}
	log.Printf("[AUTO-CAL] Starting %s calibration", kind)
	return nil
}

// Cancel aborts a running calibration and discards collected point pairs.
func (e *CalibrationEngine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Busy() {
		return fmt.Errorf("no calibration running")
	}
	log.Printf("[AUTO-CAL] Calibration cancelled")
	e.restoreFilter()
	e.finishRun(OutcomeCancelled, "cancelled by operator")
	e.state = CalibrationState{Phase: PhaseIdle, Kind: e.state.Kind, Message: "Calibration cancelled", Calibrated: e.state.Calibrated}
	e.resetRun()
	return nil
}

// Confirm resumes a calibration paused for the operator.
func (e *CalibrationEngine) Confirm() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.AwaitingConfirmation {
		return ErrNotAwaitingConfirmation
	}
	log.Printf("[AUTO-CAL] Operator confirmed board placement, measuring high points")
	e.state.AwaitingConfirmation = false
	e.state.Message = fmt.Sprintf("Measuring point %d of %d", e.target+1, len(e.targets))
	e.upframe = true
	e.showTarget()
	return nil
}

// SetROI sets the region of interest manually.
func (e *CalibrationEngine) SetROI(r image.Rectangle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Busy() {
		return ErrCalibrationBusy
	}
	r = ClampROI(r, e.cfg.Sensor.Width, e.cfg.Sensor.Height)
	if r.Empty() {
		return fmt.Errorf("ROI %v is empty inside the %dx%d sensor frame", r, e.cfg.Sensor.Width, e.cfg.Sensor.Height)
	}
	e.roi = r
	e.send(FilterCommand{Kind: CmdSetROI, ROI: r})
	log.Printf("[ROI] Manual ROI set to %v", r)
	e.persist()
	return nil
}

// ResetSeaLevel drops tilt and vertical offset, restoring the fitted plane.
func (e *CalibrationEngine) ResetSeaLevel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tiltX, e.tiltY, e.vertical = 0, 0, 0
	e.updatePlane()
}

// SetParam changes a runtime parameter. Toggles treat non-zero as on.
func (e *CalibrationEngine) SetParam(p ParamID, v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s: value must be finite", p)
	}
	on := v != 0
	switch p {
	case ParamCeiling:
		e.maxOffset = e.maxOffsetBack - v
		if !e.state.Busy() {
			e.send(FilterCommand{Kind: CmdSetMaxOffset, Value: e.maxOffset})
		}
	case ParamSpatialFiltering:
		e.spatialFiltering = on
		e.send(FilterCommand{Kind: CmdSetSpatialFiltering, Enabled: on})
	case ParamInpainting:
		e.inpainting = on
		e.send(FilterCommand{Kind: CmdSetInpainting, Enabled: on})
	case ParamFullFrameFiltering:
		e.fullFrame = on
		e.send(FilterCommand{Kind: CmdSetFullFrameFiltering, Enabled: on})
	case ParamQuickReaction:
		e.quickReaction = on
		e.send(FilterCommand{Kind: CmdSetFollowBigChanges, Enabled: on})
	case ParamAveraging:
		n := int(math.Round(v))
		if n < 1 {
			return fmt.Errorf("%s: need at least one slot, got %v", p, v)
		}
		e.averaging = n
		e.send(FilterCommand{Kind: CmdSetSlots, Slots: n})
	case ParamTiltX:
		e.tiltX = v
		e.updatePlane()
	case ParamTiltY:
		e.tiltY = v
		e.updatePlane()
	case ParamVerticalOffset:
		e.vertical = v
		e.updatePlane()
	case ParamShowROIOnProjector:
		e.showROI = on
		if !on && e.projector.Mode == ProjectorROI {
			e.projector.Mode = ProjectorBlank
			e.projector.Outline = nil
		}
	case ParamDumpDebugFiles:
		e.dumpDebug = on
	default:
		return fmt.Errorf("unknown parameter %v", p)
	}
	log.Printf("[AUTO-CAL] %s set to %v", p, v)
	return nil
}

// Param returns the current value of a runtime parameter.
func (e *CalibrationEngine) Param(p ParamID) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paramLocked(p)
}

func (e *CalibrationEngine) paramLocked(p ParamID) (float64, error) {
	switch p {
	case ParamCeiling:
		return e.maxOffsetBack - e.maxOffset, nil
	case ParamSpatialFiltering:
		return boolValue(e.spatialFiltering), nil
	case ParamInpainting:
		return boolValue(e.inpainting), nil
	case ParamFullFrameFiltering:
		return boolValue(e.fullFrame), nil
	case ParamQuickReaction:
		return boolValue(e.quickReaction), nil
	case ParamAveraging:
		return float64(e.averaging), nil
	case ParamTiltX:
		return e.tiltX, nil
	case ParamTiltY:
		return e.tiltY, nil
	case ParamVerticalOffset:
		return e.vertical, nil
	case ParamShowROIOnProjector:
		return boolValue(e.showROI), nil
	case ParamDumpDebugFiles:
		return boolValue(e.dumpDebug), nil
	default:
		return 0, fmt.Errorf("unknown parameter %v", p)
	}
}

// updatePlane rebuilds the reference plane from the fitted baseline, tilt
// and vertical offset.
func (e *CalibrationEngine) updatePlane() {
	normal := RotateY(RotateX(e.normalBack, e.tiltX), e.tiltY)
	offset := e.offsetBack.Add(r3.Vector{Z: e.vertical})
	e.transformer = e.transformer.WithPlane(PlaneFromPointNormal(offset, normal))
}

// ---------------------------------------------------------------------------
// Step function
// ---------------------------------------------------------------------------

// Step advances the state machine by one tick. frame is the newest
// filtered frame, or nil when none arrived since the previous tick.
func (e *CalibrationEngine) Step(frame *FilteredFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if frame != nil {
		e.last = frame
	}
	switch e.state.Phase {
	case PhaseROIDetection:
		e.stepROI(frame)
	case PhaseAutoCalibration:
		e.stepAuto(frame)
	}
	if !e.state.Busy() && e.showROI && e.state.Calibrated {
		e.updateROIOutline()
	}
}

// stableAfterCommand reports whether f was filtered after the last command
// and the stabilizer has a full ring since.
func (e *CalibrationEngine) stableAfterCommand(f *FilteredFrame) bool {
	return f != nil && f.Epoch >= e.waitEpoch && f.Stabilized
}

func (e *CalibrationEngine) stepROI(f *FilteredFrame) {
	switch e.state.ROIStage {
	case ROIInit:
		full := image.Rect(0, 0, e.cfg.Sensor.Width, e.cfg.Sensor.Height)
		e.send(FilterCommand{Kind: CmdSetROI, ROI: full})
		e.send(FilterCommand{Kind: CmdResetColor})
		e.state.ROIStage = ROIWaitForStable
		log.Printf("[ROI] Enlarged ROI to full frame, waiting for stable depth")

	case ROIWaitForStable:
		if e.stableAfterCommand(f) {
			e.state.ROIStage = ROIScanning
		}

	case ROIScanning:
		if f == nil {
			return
		}
		if e.regions == nil {
			e.failLocked("no region detector available")
			return
		}
		img, polarity := e.roiImage(f)
		if img == nil {
			e.failLocked("no image available for region detection")
			return
		}
		center := image.Pt(e.cfg.Sensor.Width/2, e.cfg.Sensor.Height/2)
		r := ClampROI(e.regions.DetectRegion(img, center, polarity), e.cfg.Sensor.Width, e.cfg.Sensor.Height)
		if r.Empty() {
			e.state.ROIStage = ROIFailed
			e.failLocked("could not find the sandbox region; set the ROI manually")
			return
		}
		log.Printf("[ROI] Detected sandbox region %v", r)
		e.roi = r
		e.send(FilterCommand{Kind: CmdSetROI, ROI: r})
		e.state.ROIStage = ROIDone
		e.persist()

		if e.state.Kind == KindFull {
			e.state.Phase = PhaseAutoCalibration
			e.state.Auto = AutoInitPlane
			e.state.Message = "Calibrating projector"
			return
		}
		e.finishRun(OutcomeSucceeded, "")
		e.state.Phase = PhaseDone
		e.state.Message = "Sandbox region detected"
	}
}

// roiImage picks the image the ROI detector scans.
func (e *CalibrationEngine) roiImage(f *FilteredFrame) (*image.Gray, Polarity) {
	if e.cfg.Calibration.ROISource == ROISourceColor {
		return f.Gray, PolarityBelow
	}
	if f.Depth == nil {
		return nil, PolarityAbove
	}
	st := e.cfg.StabilizerConfig()
	return DepthToGray(f.Depth, st.InstableValue, st.InvalidValue), PolarityAbove
}

func (e *CalibrationEngine) stepAuto(f *FilteredFrame) {
	switch e.state.Auto {
	case AutoInitPlane:
		if !e.entered {
			e.send(FilterCommand{Kind: CmdSetMaxOffset, Value: 0})
			e.send(FilterCommand{Kind: CmdResetBuffers})
			e.entered = true
			e.projector.Mode = ProjectorBlank
			log.Printf("[AUTO-CAL] Clipping disabled, waiting for stable depth")
			return
		}
		if e.stableAfterCommand(f) {
			e.state.Auto = AutoInitPoint
			e.entered = false
		}

	case AutoInitPoint:
		if f == nil || f.Depth == nil {
			return
		}
		plane, centroid, ok := e.fitROIPlane(f.Depth)
		if !ok {
			e.failLocked("cannot find a plane in the sandbox region; is the sand flat?")
			return
		}
		e.runNormal = plane.Normal()
		e.runOffset = centroid
		log.Printf("[AUTO-CAL] Base plane fitted: %+v", plane)

		e.targets = calibrationTargets(e.cfg.Projector.Width, e.cfg.Projector.Height, e.cfg.Calibration.ChessboardSize)
		e.pairs = e.pairs[:0]
		e.target = 0
		e.trials = 0
		e.shrinks = 0
		e.upframe = false
		e.offset = e.targets[0]
		e.showTarget()
		e.state.Auto = AutoNextPoint
		e.state.Message = fmt.Sprintf("Measuring point 1 of %d", len(e.targets))

	case AutoNextPoint:
		e.stepNextPoint(f)

	case AutoCompute:
		e.compute()
	}
}

func (e *CalibrationEngine) stepNextPoint(f *FilteredFrame) {
	if e.state.AwaitingConfirmation {
		return
	}
	need := e.cfg.Calibration.ColorFilterFrames + displayLatencyFrames
	if !e.stableAfterCommand(f) || f.ColorFrames < need || f.Gray == nil || f.Depth == nil {
		return
	}
	if e.patterns == nil {
		e.failLocked("no pattern detector available")
		return
	}

	cal := e.cfg.Calibration
	inner := image.Pt(cal.ChessboardX-1, cal.ChessboardY-1)
	corners, found := e.patterns.FindChessboard(f.Gray, e.roi, inner)
	expected := ChessboardCorners(e.projector.Center, cal.ChessboardSize, cal.ChessboardX, cal.ChessboardY)
	if e.dumpDebug && e.dumper != nil {
		e.dumper.DumpPattern(e.target, f.Gray, corners, found)
	}

	if !found || len(corners) != len(expected) {
		e.retryTarget(0.75, "chessboard not found")
		return
	}

	pairs := make([]PointPair, 0, len(corners))
	for i, c := range corners {
		x, y := int(math.Round(c.X)), int(math.Round(c.Y))
		if !image.Pt(x, y).In(f.Depth.Bounds()) || !e.usableDepth(f.Depth.At(x, y)) {
			e.retryTarget(0.8, "chessboard corners without depth")
			return
		}
		pairs = append(pairs, PointPair{
			World:     e.transformer.SensorToWorld(f.Depth, x, y),
			Projector: expected[i],
		})
	}

	e.pairs = append(e.pairs, pairs...)
	log.Printf("[AUTO-CAL] Point %d of %d accepted (%d pairs)", e.target+1, len(e.targets), len(e.pairs))
	e.target++
	e.trials = 0
	e.shrinks = 0

	switch {
	case e.target >= len(e.targets):
		if plane, _, ok := e.fitROIPlane(f.Depth); ok {
			e.runCeil = -plane.D - cal.MaxOffsetSafeRange
			e.hasCeil = true
			log.Printf("[AUTO-CAL] Acquisition ceiling measured at %.1f", e.runCeil)
		} else {
			log.Printf("[AUTO-CAL] Could not fit the board plane, keeping ceiling %.1f", e.maxOffset)
		}
		e.projector.Mode = ProjectorBlank
		e.state.Auto = AutoCompute
		e.state.Message = "Computing projection"
	case e.target == lowTargets && !e.upframe:
		e.offset = e.targets[e.target]
		e.state.AwaitingConfirmation = true
		e.projector.Mode = ProjectorBlank
		e.state.Message = "Cover the sandbox with a board and confirm"
		log.Printf("[AUTO-CAL] Low points done, waiting for the board")
	default:
		e.offset = e.targets[e.target]
		e.showTarget()
		e.state.Message = fmt.Sprintf("Measuring point %d of %d", e.target+1, len(e.targets))
	}
}

// retryTarget counts a failed attempt and shrinks the pattern offset by
// factor once the trial budget is spent.
func (e *CalibrationEngine) retryTarget(factor float64, reason string) {
	e.trials++
	if e.trials > e.cfg.Calibration.MaxTrials {
		e.shrinks++
		if e.shrinks > e.cfg.Calibration.MaxShrinks {
			e.failLocked(fmt.Sprintf("%s at point %d after %d shrinks", reason, e.target+1, e.cfg.Calibration.MaxShrinks))
			return
		}
		e.offset = e.offset.Mul(factor)
		e.trials = 0
		log.Printf("[AUTO-CAL] %s, moving pattern %d closer to the center: %v", reason, e.target+1, e.offset)
	} else {
		log.Printf("[AUTO-CAL] %s, trial %d of %d", reason, e.trials, e.cfg.Calibration.MaxTrials)
	}
	e.showTarget()
}

// showTarget draws the chessboard at the current offset and restarts the
// color filter.
func (e *CalibrationEngine) showTarget() {
	cal := e.cfg.Calibration
	e.projector.Mode = ProjectorChessboard
	e.projector.Center = r2.Point{
		X: float64(e.cfg.Projector.Width) / 2,
		Y: float64(e.cfg.Projector.Height) / 2,
	}.Add(e.offset)
	e.projector.Size = cal.ChessboardSize
	e.projector.SquareX = cal.ChessboardX
	e.projector.SquareY = cal.ChessboardY
	e.projector.Outline = nil
	e.send(FilterCommand{Kind: CmdResetColor})
}

func (e *CalibrationEngine) compute() {
	if len(e.pairs) == 0 {
		e.failLocked("no calibration points collected")
		return
	}
	m, err := SolveProjection(e.pairs)
	if err != nil {
		e.failLocked(fmt.Sprintf("computing projection: %v", err))
		return
	}
	rerr := ReprojectionError(m, e.pairs)
	if !math.IsInf(rerr, 0) {
		e.runError = rerr
	}
	log.Printf("[AUTO-CAL] Reprojection error %.2f px over %d pairs", rerr, len(e.pairs))
	if e.dumpDebug && e.dumper != nil {
		if err := e.dumper.DumpCalibration(m, e.pairs); err != nil {
			log.Printf("[DEBUG] Failed to dump calibration: %v", err)
		}
	}
	if rerr > e.cfg.Calibration.MaxReprojectionError {
		e.reprojErrorFail(rerr)
		return
	}

	e.normalBack = e.runNormal
	e.offsetBack = e.runOffset
	e.tiltX, e.tiltY, e.vertical = 0, 0, 0
	e.updatePlane()
	if e.hasCeil {
		e.maxOffsetBack = e.runCeil
		e.maxOffset = e.runCeil
		log.Printf("[AUTO-CAL] Acquisition ceiling set to %.1f", e.maxOffset)
	}
	e.restoreFilter()

	e.transformer = e.transformer.WithProjection(m)
	e.reprojError = rerr
	e.state.Calibrated = true
	e.persist()
	e.finishRun(OutcomeSucceeded, "")
	e.state.Auto = AutoDone
	e.state.Phase = PhaseDone
	e.state.Message = fmt.Sprintf("Calibration succeeded, reprojection error %.2f px", rerr)
	e.projector.Mode = ProjectorBlank
}

func (e *CalibrationEngine) reprojErrorFail(rerr float64) {
	e.failLocked(fmt.Sprintf("reprojection error %.2f px exceeds %.2f px; previous calibration kept",
		rerr, e.cfg.Calibration.MaxReprojectionError))
}

// failLocked aborts the run. Plane, ceiling and projection are only
// committed by a successful compute, so nothing needs rolling back.
func (e *CalibrationEngine) failLocked(msg string) {
	log.Printf("[AUTO-CAL] Calibration failed: %s", msg)
	e.restoreFilter()
	e.finishRun(OutcomeFailed, msg)
	e.state = CalibrationState{
		Phase:      PhaseIdle,
		ROIStage:   e.state.ROIStage,
		Auto:       e.state.Auto,
		Kind:       e.state.Kind,
		Failed:     true,
		Message:    msg,
		Calibrated: e.state.Calibrated,
	}
	e.resetRun()
}

// restoreFilter puts back the committed ROI and clipping offset.
func (e *CalibrationEngine) restoreFilter() {
	e.send(FilterCommand{Kind: CmdSetMaxOffset, Value: e.maxOffset})
	if !e.roi.Empty() {
		e.send(FilterCommand{Kind: CmdSetROI, ROI: e.roi})
	}
}

func (e *CalibrationEngine) resetRun() {
	e.runNormal = r3.Vector{}
	e.runOffset = r3.Vector{}
	e.runCeil = 0
	e.hasCeil = false
	e.pairs = nil
	e.targets = nil
	e.target = 0
	e.offset = r2.Point{}
	e.trials = 0
	e.shrinks = 0
	e.runError = 0
	e.upframe = false
	e.entered = false
	e.projector.Mode = ProjectorBlank
	e.projector.Outline = nil
}

func (e *CalibrationEngine) finishRun(outcome, msg string) {
	if e.recorder == nil || e.runID == "" {
		return
	}
	res := RunResult{
		Outcome:           outcome,
		Message:           msg,
		ReprojectionError: e.runError,
		PointPairs:        len(e.pairs),
		Finished:          time.Now(),
	}
	if err := e.recorder.FinishRun(e.runID, res); err != nil {
		log.Printf("[HISTORY] Failed to record run %s: %v", e.runID, err)
	}
	e.runID = ""
}

// usableDepth reports whether a stabilized value is a real measurement.
func (e *CalibrationEngine) usableDepth(v float32) bool {
	st := e.cfg.Stabilizer
	return v > 0 && v != st.InstableValue && v != st.InvalidValue
}

// fitROIPlane fits a plane to the central part of the ROI.
func (e *CalibrationEngine) fitROIPlane(depth *DepthFrame) (Plane, r3.Vector, bool) {
	region := ScaleROI(e.roi, planeFitScale)
	if region.Empty() {
		return Plane{}, r3.Vector{}, false
	}
	points := worldPointsIn(e.transformer, depth, region, e.usableDepth)
	plane := FitPlane(points)
	if plane.IsZero() {
		return Plane{}, r3.Vector{}, false
	}
	return plane, Centroid(points), true
}

// updateROIOutline maps the ROI corners to the projector on the reference plane.
func (e *CalibrationEngine) updateROIOutline() {
	if e.roi.Empty() || e.last == nil || e.last.Depth == nil {
		return
	}
	corners := []image.Point{
		e.roi.Min,
		{X: e.roi.Max.X - 1, Y: e.roi.Min.Y},
		{X: e.roi.Max.X - 1, Y: e.roi.Max.Y - 1},
		{X: e.roi.Min.X, Y: e.roi.Max.Y - 1},
	}
	outline := make([]r2.Point, 0, len(corners))
	for _, c := range corners {
		p, ok := e.transformer.WorldToProjector(e.transformer.SensorToWorld(e.last.Depth, c.X, c.Y))
		if !ok {
			return
		}
		outline = append(outline, p)
	}
	e.projector.Mode = ProjectorROI
	e.projector.Outline = outline
}

// calibrationTargets returns the pattern offsets from the projector center:
// five low positions, then five high positions nearer the edges.
func calibrationTargets(width, height int, size float64) []r2.Point {
	w, h := float64(width), float64(height)
	center := r2.Point{X: w / 2, Y: h / 2}
	ring := func(m float64) []r2.Point {
		return []r2.Point{
			{},
			r2.Point{X: w - m, Y: m}.Sub(center),
			r2.Point{X: w - m, Y: h - m}.Sub(center),
			r2.Point{X: m, Y: h - m}.Sub(center),
			r2.Point{X: m, Y: m}.Sub(center),
		}
	}
	return append(ring(4*size/3), ring(3*size/4)...)
}

// ChessboardCorners returns the inner corners, row-major, of a squaresX x
// squaresY chessboard of width size centered at center.
func ChessboardCorners(center r2.Point, size float64, squaresX, squaresY int) []r2.Point {
	sq := size / float64(squaresX)
	x0 := center.X - size/2
	y0 := center.Y - sq*float64(squaresY)/2
	corners := make([]r2.Point, 0, (squaresX-1)*(squaresY-1))
	for j := 1; j < squaresY; j++ {
		for i := 1; i < squaresX; i++ {
			corners = append(corners, r2.Point{X: x0 + float64(i)*sq, Y: y0 + float64(j)*sq})
		}
	}
	return corners
}

// DepthToGray normalizes the usable depth values of f to 0..255, far
// surfaces bright. Unusable pixels are black.
func DepthToGray(f *DepthFrame, instable, invalid float32) *image.Gray {
	img := image.NewGray(f.Bounds())
	lo, hi := float32(math.MaxFloat32), float32(0)
	for _, v := range f.Data {
		if v <= 0 || v == instable || v == invalid {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi <= lo {
		return img
	}
	scale := 255 / (hi - lo)
	for i, v := range f.Data {
		if v <= 0 || v == instable || v == invalid {
			continue
		}
		img.Pix[i] = uint8((v-lo)*scale + 0.5)
	}
	return img
}
