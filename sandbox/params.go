package sandbox

import "fmt"

// ParamID names one runtime-adjustable parameter of the sandbox.
type ParamID int

const (
	ParamCeiling ParamID = iota
	ParamSpatialFiltering
	ParamInpainting
	ParamFullFrameFiltering
	ParamQuickReaction
	ParamAveraging
	ParamTiltX
	ParamTiltY
	ParamVerticalOffset
	ParamShowROIOnProjector
	ParamDumpDebugFiles
)

// AllParams lists every parameter in protocol order.
var AllParams = []ParamID{
	ParamCeiling,
	ParamSpatialFiltering,
	ParamInpainting,
	ParamFullFrameFiltering,
	ParamQuickReaction,
	ParamAveraging,
	ParamTiltX,
	ParamTiltY,
	ParamVerticalOffset,
	ParamShowROIOnProjector,
	ParamDumpDebugFiles,
}

// String returns the wire name of the parameter.
func (p ParamID) String() string {
	switch p {
	case ParamCeiling:
		return "ceiling"
	case ParamSpatialFiltering:
		return "spatialFiltering"
	case ParamInpainting:
		return "doInpainting"
	case ParamFullFrameFiltering:
		return "doFullFrameFiltering"
	case ParamQuickReaction:
		return "quickReaction"
	case ParamAveraging:
		return "averaging"
	case ParamTiltX:
		return "tiltX"
	case ParamTiltY:
		return "tiltY"
	case ParamVerticalOffset:
		return "verticalOffset"
	case ParamShowROIOnProjector:
		return "doShowROIOnProjector"
	case ParamDumpDebugFiles:
		return "dumpDebugFiles"
	default:
		return fmt.Sprintf("ParamID(%d)", int(p))
	}
}

// IsToggle reports whether the parameter is boolean (values 0 or 1).
func (p ParamID) IsToggle() bool {
	switch p {
	case ParamSpatialFiltering, ParamInpainting, ParamFullFrameFiltering,
		ParamQuickReaction, ParamShowROIOnProjector, ParamDumpDebugFiles:
		return true
	default:
		return false
	}
}

// ParseParamID resolves a wire name.
func ParseParamID(name string) (ParamID, error) {
	for _, p := range AllParams {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown parameter %q", name)
}

func boolValue(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
