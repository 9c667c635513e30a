package sandbox

import (
	"image"
	"sync"
	"time"

	"github.com/golang/geo/r2"
)

// Phase is the outer calibration state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseROIDetection
	PhaseAutoCalibration
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseROIDetection:
		return "roi-detection"
	case PhaseAutoCalibration:
		return "auto-calibration"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ROIStage is the sub-state of PhaseROIDetection.
type ROIStage int

const (
	ROIInit ROIStage = iota
	ROIWaitForStable
	ROIScanning
	ROIDone
	ROIFailed
)

func (s ROIStage) String() string {
	switch s {
	case ROIInit:
		return "init"
	case ROIWaitForStable:
		return "wait-for-stable"
	case ROIScanning:
		return "scanning"
	case ROIDone:
		return "done"
	case ROIFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ROIStage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AutoStage is the sub-state of PhaseAutoCalibration.
type AutoStage int

const (
	AutoInitPlane AutoStage = iota
	AutoInitPoint
	AutoNextPoint
	AutoCompute
	AutoDone
)

func (s AutoStage) String() string {
	switch s {
	case AutoInitPlane:
		return "init-plane"
	case AutoInitPoint:
		return "init-point"
	case AutoNextPoint:
		return "next-point"
	case AutoCompute:
		return "compute"
	case AutoDone:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s AutoStage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CalibrationKind selects which phases a calibration run goes through.
type CalibrationKind int

const (
	// KindFull detects the ROI, then calibrates plane and projector.
	KindFull CalibrationKind = iota
	// KindROI only detects the ROI.
	KindROI
	// KindProjector calibrates plane and projector inside the current ROI.
	KindProjector
)

func (k CalibrationKind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindROI:
		return "roi"
	case KindProjector:
		return "projector"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k CalibrationKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseCalibrationKind resolves a kind name; empty means KindFull.
func ParseCalibrationKind(s string) (CalibrationKind, bool) {
	switch s {
	case "", "full":
		return KindFull, true
	case "roi":
		return KindROI, true
	case "projector":
		return KindProjector, true
	}
	return 0, false
}

// CalibrationState is the engine's state-machine value. Consumers only see
// copies of it.
type CalibrationState struct {
	Phase    Phase           `json:"phase"`
	ROIStage ROIStage        `json:"roiStage"`
	Auto     AutoStage       `json:"autoStage"`
	Kind     CalibrationKind `json:"kind"`

	AwaitingConfirmation bool   `json:"awaitingConfirmation"`
	Failed               bool   `json:"failed"`
	Message              string `json:"message,omitempty"`

	// Calibrated is true once a projection has been committed, by this
	// process or loaded from settings.
	Calibrated bool `json:"calibrated"`
}

// Busy reports whether a calibration run is in progress.
func (s CalibrationState) Busy() bool {
	return s.Phase == PhaseROIDetection || s.Phase == PhaseAutoCalibration
}

// ProjectorMode selects what the projector frame shows.
type ProjectorMode int

const (
	ProjectorBlank ProjectorMode = iota
	ProjectorChessboard
	ProjectorROI
)

func (m ProjectorMode) String() string {
	switch m {
	case ProjectorChessboard:
		return "chessboard"
	case ProjectorROI:
		return "roi"
	default:
		return "blank"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m ProjectorMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ProjectorView describes the frame the projector should display.
type ProjectorView struct {
	Width  int           `json:"width"`
	Height int           `json:"height"`
	Mode   ProjectorMode `json:"mode"`

	// Chessboard mode: center and width in projector pixels, square counts.
	Center  r2.Point `json:"center"`
	Size    float64  `json:"size"`
	SquareX int      `json:"squareX"`
	SquareY int      `json:"squareY"`

	// ROI mode: the sensor ROI corners mapped to projector pixels.
	Outline []r2.Point `json:"outline,omitempty"`
}

// EngineSnapshot is a read-only copy of the calibration engine.
type EngineSnapshot struct {
	State             CalibrationState      `json:"state"`
	ROI               image.Rectangle       `json:"roi"`
	Transformer       CoordinateTransformer `json:"transformer"`
	MaxOffset         float64               `json:"maxOffset"`
	ReprojectionError float64               `json:"reprojectionError"`
	PointPairs        []PointPair           `json:"pointPairs"`
	Targets           []r2.Point            `json:"targets,omitempty"`
	CurrentTarget     int                   `json:"currentTarget"`
	Params            map[string]float64    `json:"params"`
	Projector         ProjectorView         `json:"projector"`
	Timestamp         time.Time             `json:"timestamp"`
}

// StateTracker keeps the latest filtered frame and engine snapshot for the
// HTTP and MQTT surfaces.
type StateTracker struct {
	mu       sync.RWMutex
	frame    *FilteredFrame
	snapshot *EngineSnapshot
	frames   uint64
}

// NewStateTracker creates an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// UpdateFrame stores the latest filtered frame.
func (st *StateTracker) UpdateFrame(f FilteredFrame) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.frame = &f
	st.frames++
}

// UpdateSnapshot stores the latest engine snapshot.
func (st *StateTracker) UpdateSnapshot(s EngineSnapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.snapshot = &s
}

// Frame returns the latest filtered frame, or nil.
func (st *StateTracker) Frame() *FilteredFrame {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.frame == nil {
		return nil
	}
	f := *st.frame
	return &f
}

// Snapshot returns the latest engine snapshot, or nil.
func (st *StateTracker) Snapshot() *EngineSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.snapshot == nil {
		return nil
	}
	s := *st.snapshot
	return &s
}

// FrameCount returns how many frames were tracked.
func (st *StateTracker) FrameCount() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.frames
}
