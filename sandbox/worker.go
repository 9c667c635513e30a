package sandbox

import (
	"context"
	"image"
	"log"
	"sync"
	"time"
)

// Frame is one synchronized depth and color capture from the sensor.
type Frame struct {
	Depth    *RawDepthFrame
	Color    image.Image
	Captured time.Time
}

// FilterCommandKind identifies a FilterCommand.
type FilterCommandKind int

const (
	CmdSetROI FilterCommandKind = iota
	CmdSetMaxOffset
	CmdSetSlots
	CmdSetSpatialFiltering
	CmdSetFollowBigChanges
	CmdSetInpainting
	CmdSetFullFrameFiltering
	CmdResetBuffers
	CmdResetColor
)

func (k FilterCommandKind) String() string {
	switch k {
	case CmdSetROI:
		return "set-roi"
	case CmdSetMaxOffset:
		return "set-max-offset"
	case CmdSetSlots:
		return "set-slots"
	case CmdSetSpatialFiltering:
		return "set-spatial-filtering"
	case CmdSetFollowBigChanges:
		return "set-follow-big-changes"
	case CmdSetInpainting:
		return "set-inpainting"
	case CmdSetFullFrameFiltering:
		return "set-full-frame-filtering"
	case CmdResetBuffers:
		return "reset-buffers"
	case CmdResetColor:
		return "reset-color"
	default:
		return "unknown"
	}
}

// FilterCommand is a configuration change for the goroutine that owns the
// Stabilizer. Only the field matching Kind is read.
type FilterCommand struct {
	Kind    FilterCommandKind
	ROI     image.Rectangle
	Value   float64
	Slots   int
	Enabled bool

	epoch uint64
}

// FilteredFrame is what the worker publishes for each processed frame.
type FilteredFrame struct {
	Depth    *DepthFrame
	Gradient *GradientField
	Gray     *image.Gray
	ROI      image.Rectangle

	// Seq counts frames since the worker started. Epoch is the newest
	// command applied before this frame was filtered.
	Seq   uint64
	Epoch uint64

	// Stabilized is true once a full ring of frames has been filtered since
	// the last buffer reset. ColorFrames counts color frames since the last
	// color reset.
	Stabilized  bool
	ColorFrames int
	Captured    time.Time
}

// FilterController accepts filter commands and returns the epoch assigned
// to the command.
type FilterController interface {
	Send(cmd FilterCommand) uint64
}

// FilterWorker owns a Stabilizer and a ColorFilter. Commands may be sent
// from any goroutine; Process must only be called from one.
type FilterWorker struct {
	stab  *Stabilizer
	color *ColorFilter
	out   chan FilteredFrame

	// pending holds at most one command per kind, oldest epoch first.
	mu      sync.Mutex
	pending []FilterCommand
	epoch   uint64

	applied uint64
	seq     uint64
}

// NewFilterWorker returns a worker around a new Stabilizer and ColorFilter.
func NewFilterWorker(cfg StabilizerConfig, colorMode ColorFilterMode, colorFrames int) *FilterWorker {
	return &FilterWorker{
		stab:  NewStabilizer(cfg),
		color: NewColorFilter(colorMode, colorFrames),
		out:   make(chan FilteredFrame, 1),
	}
}

// Send queues cmd for the next frame and returns its epoch. It never
// blocks: a queued command of the same kind is replaced by cmd, so a
// stalled sensor leaves at most one pending command per kind.
func (w *FilterWorker) Send(cmd FilterCommand) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.epoch++
	cmd.epoch = w.epoch
	for i, p := range w.pending {
		if p.Kind == cmd.Kind {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			break
		}
	}
	w.pending = append(w.pending, cmd)
	return cmd.epoch
}

// Pending returns the number of commands waiting for the next frame.
func (w *FilterWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Frames is the most-recent-wins output stream of Run.
func (w *FilterWorker) Frames() <-chan FilteredFrame {
	return w.out
}

// Run filters frames until ctx is done or frames is closed.
func (w *FilterWorker) Run(ctx context.Context, frames <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			Offer(w.out, w.Process(f))
		}
	}
}

// Process applies pending commands, filters f and returns the result with
// cloned buffers.
func (w *FilterWorker) Process(f Frame) FilteredFrame {
	w.drainCommands()

	if f.Depth != nil {
		cfg := w.stab.Config()
		if f.Depth.Width != cfg.Width || f.Depth.Height != cfg.Height {
			log.Printf("[FILTER] Resolution changed to %dx%d, reconfiguring", f.Depth.Width, f.Depth.Height)
			cfg.Width, cfg.Height = f.Depth.Width, f.Depth.Height
			w.stab.Configure(cfg)
		}
		w.stab.Filter(f.Depth)
	}
	var gray *image.Gray
	if f.Color != nil {
		gray = cloneGray(w.color.Add(f.Color))
	}

	w.seq++
	return FilteredFrame{
		Depth:       w.stab.Output().Clone(),
		Gradient:    w.stab.Gradient().Clone(),
		Gray:        gray,
		ROI:         w.stab.ROI(),
		Seq:         w.seq,
		Epoch:       w.applied,
		Stabilized:  w.stab.Stabilized(),
		ColorFrames: w.color.Frames(),
		Captured:    f.Captured,
	}
}

func (w *FilterWorker) drainCommands() {
	w.mu.Lock()
	cmds := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, cmd := range cmds {
		w.apply(cmd)
	}
}

func (w *FilterWorker) apply(cmd FilterCommand) {
	cfg := w.stab.Config()
	switch cmd.Kind {
	case CmdSetROI:
		cfg.ROI = cmd.ROI
		w.stab.Configure(cfg)
	case CmdSetMaxOffset:
		w.stab.SetMaxOffset(cmd.Value)
	case CmdSetSlots:
		cfg.Slots = cmd.Slots
		cfg.MinSamples = (cmd.Slots + 1) / 2
		w.stab.Configure(cfg)
	case CmdSetSpatialFiltering:
		w.stab.SetSpatialFiltering(cmd.Enabled)
	case CmdSetFollowBigChanges:
		w.stab.SetFollowBigChanges(cmd.Enabled)
	case CmdSetInpainting:
		w.stab.SetInpainting(cmd.Enabled)
	case CmdSetFullFrameFiltering:
		cfg.FullFrameFiltering = cmd.Enabled
		w.stab.Configure(cfg)
	case CmdResetBuffers:
		w.stab.Reset()
	case CmdResetColor:
		w.color.Reset()
	default:
		log.Printf("[FILTER] Ignoring unknown command %d", cmd.Kind)
	}
	w.applied = cmd.epoch
}

// Offer delivers v on a capacity-1 channel, replacing an undelivered value.
func Offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func cloneGray(g *image.Gray) *image.Gray {
	c := image.NewGray(g.Bounds())
	copy(c.Pix, g.Pix)
	return c
}
