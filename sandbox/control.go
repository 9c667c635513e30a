package sandbox

import (
	"fmt"
	"image"
	"log"
)

// Controller is the control surface HandleCommand drives.
type Controller interface {
	Snapshot() EngineSnapshot
	Param(p ParamID) (float64, error)
	SetParam(p ParamID, v float64) error
	StartCalibration(kind CalibrationKind) error
	Cancel() error
	Confirm() error
	SetROI(r image.Rectangle) error
	ResetSeaLevel()
}

// HandleCommand executes cmd against ctrl.
func HandleCommand(ctrl Controller, cmd *Command) Response {
	resp := Response{Command: cmd.Command, Field: cmd.Field, Result: 0}
	if err := dispatch(ctrl, cmd, &resp); err != nil {
		log.Printf("[AUTO-CAL] Command %s failed: %v", cmd.Command, err)
		resp.Result = err.Error()
	}
	return resp
}

func dispatch(ctrl Controller, cmd *Command, resp *Response) error {
	switch cmd.Command {
	case CommandGetState:
		s := ctrl.Snapshot()
		resp.State = &s
		return nil

	case CommandGetValue:
		p, err := ParseParamID(cmd.Field)
		if err != nil {
			return err
		}
		v, err := ctrl.Param(p)
		if err != nil {
			return err
		}
		resp.Value = wireValue(p, v)
		return nil

	case CommandSetValue:
		p, err := ParseParamID(cmd.Field)
		if err != nil {
			return err
		}
		v, err := cmd.NumericValue()
		if err != nil {
			return err
		}
		if err := ctrl.SetParam(p, v); err != nil {
			return err
		}
		resp.Value = wireValue(p, v)
		return nil

	case CommandStartCalibration:
		kind, ok := ParseCalibrationKind(cmd.Kind)
		if !ok {
			return fmt.Errorf("unknown calibration kind %q", cmd.Kind)
		}
		return ctrl.StartCalibration(kind)

	case CommandCancel:
		return ctrl.Cancel()

	case CommandConfirm:
		return ctrl.Confirm()

	case CommandSetROI:
		if cmd.ROI == nil {
			return fmt.Errorf("roi missing")
		}
		return ctrl.SetROI(cmd.ROI.Rectangle())

	case CommandResetSeaLevel:
		ctrl.ResetSeaLevel()
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

// wireValue renders toggles as booleans.
func wireValue(p ParamID, v float64) interface{} {
	if p.IsToggle() {
		return v != 0
	}
	return v
}
