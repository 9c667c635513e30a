package sandbox

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
)

// emptySlot marks a ring entry holding no valid sample.
const emptySlot float32 = -1

// inpaintPasses bounds how far instable holes are filled from their edges.
const inpaintPasses = 3

// StabilizerConfig is the full configuration of a Stabilizer.
type StabilizerConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`

	// Slots is the ring depth N; MinSamples is how many valid entries a
	// pixel needs before it can be stable.
	Slots      int `json:"slots"`
	MinSamples int `json:"minSamples"`

	MaxVariance float64 `json:"maxVariance"`
	Hysteresis  float64 `json:"hysteresis"`
	BigChange   float64 `json:"bigChange"`

	// MaxOffset is the clipping depth: samples nearer to the sensor than
	// this are treated as hands above the sandbox.
	MaxOffset float64 `json:"maxOffset"`

	InstableValue float32 `json:"instableValue"`
	InvalidValue  float32 `json:"invalidValue"`

	RetainValids       bool `json:"retainValids"`
	SpatialFiltering   bool `json:"spatialFiltering"`
	FollowBigChanges   bool `json:"followBigChanges"`
	Inpainting         bool `json:"inpainting"`
	FullFrameFiltering bool `json:"fullFrameFiltering"`

	GradientResolution int     `json:"gradientResolution"`
	MaxGradient        float64 `json:"maxGradient"`

	ROI image.Rectangle `json:"roi"`
}

// DefaultStabilizerConfig returns the filter defaults for a width x height sensor.
func DefaultStabilizerConfig(width, height int) StabilizerConfig {
	return StabilizerConfig{
		Width:              width,
		Height:             height,
		Slots:              15,
		MinSamples:         8,
		MaxVariance:        4,
		Hysteresis:         0.5,
		BigChange:          10,
		MaxOffset:          570,
		InstableValue:      0,
		InvalidValue:       4000,
		RetainValids:       true,
		SpatialFiltering:   true,
		FollowBigChanges:   true,
		GradientResolution: 10,
		MaxGradient:        1000,
		ROI:                image.Rect(0, 0, width, height),
	}
}

// Usable reports whether a filtered value is a measurement rather than one
// of the sentinels.
func (c StabilizerConfig) Usable(v float32) bool {
	return v > 0 && v != c.InstableValue && v != c.InvalidValue
}

// Stabilizer is a per-pixel temporal filter over raw depth frames.
//
// A Stabilizer is not safe for concurrent use: Filter and Configure must be
// called from the goroutine that owns it.
type Stabilizer struct {
	cfg StabilizerConfig
	roi image.Rectangle // effective filtering region

	// ring is indexed by (slot, y, x); count/sum/sumSq mirror the valid
	// entries currently in each pixel's ring.
	ring  []float32
	count []int32
	sum   []float64
	sumSq []float64

	value    []float32 // last accepted per-pixel mean, the hysteresis reference
	instable []bool    // pixels reported as InstableValue this frame
	output   *DepthFrame
	gradient *GradientField

	writeIdx int
	frames   int // frames filtered since the last reset
}

// NewStabilizer returns a Stabilizer configured with cfg.
func NewStabilizer(cfg StabilizerConfig) *Stabilizer {
	s := &Stabilizer{}
	s.Configure(cfg)
	return s
}

// Configure reallocates every buffer for cfg and resets the filter to its
// not-yet-stabilized state.
func (s *Stabilizer) Configure(cfg StabilizerConfig) {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 1
	}
	if cfg.MinSamples > cfg.Slots {
		cfg.MinSamples = cfg.Slots
	}
	cfg.ROI = ClampROI(cfg.ROI, cfg.Width, cfg.Height)
	if cfg.ROI.Empty() {
		cfg.ROI = image.Rect(0, 0, cfg.Width, cfg.Height)
	}
	s.cfg = cfg

	n := cfg.Width * cfg.Height
	s.ring = make([]float32, cfg.Slots*n)
	s.count = make([]int32, n)
	s.sum = make([]float64, n)
	s.sumSq = make([]float64, n)
	s.value = make([]float32, n)
	s.instable = make([]bool, n)
	s.output = NewDepthFrame(cfg.Width, cfg.Height)
	s.gradient = NewGradientField(cfg.Width, cfg.Height, cfg.GradientResolution)
	s.Reset()
}

// Reset clears the rings and statistics without reallocating.
func (s *Stabilizer) Reset() {
	s.roi = s.cfg.ROI
	if s.cfg.FullFrameFiltering {
		s.roi = image.Rect(0, 0, s.cfg.Width, s.cfg.Height)
	}
	for i := range s.ring {
		s.ring[i] = emptySlot
	}
	for i := range s.count {
		s.count[i] = 0
		s.sum[i] = 0
		s.sumSq[i] = 0
	}
	w := s.cfg.Width
	for y := 0; y < s.cfg.Height; y++ {
		for x := 0; x < w; x++ {
			v := s.cfg.InvalidValue
			if image.Pt(x, y).In(s.roi) {
				v = s.cfg.InstableValue
			}
			s.value[y*w+x] = v
			s.instable[y*w+x] = false
			s.output.Data[y*w+x] = v
		}
	}
	for i := range s.gradient.Vectors {
		s.gradient.Vectors[i] = r2.Point{}
	}
	s.writeIdx = 0
	s.frames = 0
}

// Config returns the active configuration.
func (s *Stabilizer) Config() StabilizerConfig {
	return s.cfg
}

// ROI returns the region currently being filtered.
func (s *Stabilizer) ROI() image.Rectangle {
	return s.roi
}

// SetMaxOffset changes the clipping depth without resetting state.
func (s *Stabilizer) SetMaxOffset(v float64) {
	s.cfg.MaxOffset = v
}

// SetSpatialFiltering toggles the spatial low-pass.
func (s *Stabilizer) SetSpatialFiltering(on bool) {
	s.cfg.SpatialFiltering = on
}

// SetFollowBigChanges toggles ring resets on large level changes.
func (s *Stabilizer) SetFollowBigChanges(on bool) {
	s.cfg.FollowBigChanges = on
}

// SetInpainting toggles filling of instable pixels from their neighbours.
func (s *Stabilizer) SetInpainting(on bool) {
	s.cfg.Inpainting = on
}

// Stabilized reports whether a full ring of frames has been filtered since
// the last reset.
func (s *Stabilizer) Stabilized() bool {
	return s.frames >= s.cfg.Slots
}

// Frames returns the number of frames filtered since the last reset.
func (s *Stabilizer) Frames() int {
	return s.frames
}

// Output returns the stabilized frame. The buffer is reused by the next
// Filter call; clone it before handing it to another goroutine.
func (s *Stabilizer) Output() *DepthFrame {
	return s.output
}

// Gradient returns the gradient field of the last filtered frame.
func (s *Stabilizer) Gradient() *GradientField {
	return s.gradient
}

// Stats returns the running statistics of pixel (x, y).
func (s *Stabilizer) Stats(x, y int) (count int, sum, sumSq float64) {
	i := y*s.cfg.Width + x
	return int(s.count[i]), s.sum[i], s.sumSq[i]
}

// RingValues returns the valid samples currently held for pixel (x, y).
func (s *Stabilizer) RingValues(x, y int) []float64 {
	n := s.cfg.Width * s.cfg.Height
	i := y*s.cfg.Width + x
	var out []float64
	for slot := 0; slot < s.cfg.Slots; slot++ {
		if v := s.ring[slot*n+i]; v != emptySlot {
			out = append(out, float64(v))
		}
	}
	return out
}

// Filter runs one raw frame through the filter and returns the stabilized
// output (see Output for buffer ownership).
func (s *Stabilizer) Filter(raw *RawDepthFrame) *DepthFrame {
	w := s.cfg.Width
	n := w * s.cfg.Height
	base := s.writeIdx * n

	for y := s.roi.Min.Y; y < s.roi.Max.Y; y++ {
		for x := s.roi.Min.X; x < s.roi.Max.X; x++ {
			i := y*w + x
			s.filterPixel(i, base+i, float64(raw.Data[i]))
		}
	}
	s.writeIdx = (s.writeIdx + 1) % s.cfg.Slots
	s.frames++

	copy(s.output.Data, s.value)
	for i, bad := range s.instable {
		if bad {
			s.output.Data[i] = s.cfg.InstableValue
		}
	}
	if s.cfg.Inpainting {
		s.inpaint()
	}
	if s.cfg.SpatialFiltering {
		s.applySpatialFilter()
	}
	s.updateGradient()
	return s.output
}

func (s *Stabilizer) filterPixel(i, slot int, v float64) {
	cfg := &s.cfg
	valid := v != 0 && v > cfg.MaxOffset

	switch {
	case valid && cfg.FollowBigChanges && s.count[i] > 0 &&
		math.Abs(v-s.sum[i]/float64(s.count[i])) >= cfg.BigChange:
		s.resetPixel(i, v)
	case valid:
		s.evict(i, slot)
		s.ring[slot] = float32(v)
		s.count[i]++
		s.sum[i] += v
		s.sumSq[i] += v * v
	case !cfg.RetainValids:
		s.evict(i, slot)
		s.ring[slot] = emptySlot
	}

	c := float64(s.count[i])
	stable := s.count[i] >= int32(cfg.MinSamples) &&
		s.sumSq[i]*c <= cfg.MaxVariance*c*c+s.sum[i]*s.sum[i]
	s.instable[i] = !stable && !cfg.RetainValids
	if stable {
		mean := s.sum[i] / c
		if math.Abs(mean-float64(s.value[i])) >= cfg.Hysteresis {
			s.value[i] = float32(mean)
		}
	}
}

func (s *Stabilizer) evict(i, slot int) {
	old := s.ring[slot]
	if old == emptySlot {
		return
	}
	o := float64(old)
	s.count[i]--
	s.sum[i] -= o
	s.sumSq[i] -= o * o
}

// resetPixel fills the pixel's whole ring with v.
func (s *Stabilizer) resetPixel(i int, v float64) {
	n := s.cfg.Width * s.cfg.Height
	for slot := 0; slot < s.cfg.Slots; slot++ {
		s.ring[slot*n+i] = float32(v)
	}
	slots := float64(s.cfg.Slots)
	s.count[i] = int32(s.cfg.Slots)
	s.sum[i] = slots * v
	s.sumSq[i] = slots * v * v
}

// inpaint replaces instable output pixels with the mean of their valid
// 4-neighbours, growing inward from the edges of each hole.
func (s *Stabilizer) inpaint() {
	w := s.cfg.Width
	out := s.output.Data
	bad := func(v float32) bool {
		return v == s.cfg.InstableValue || v == s.cfg.InvalidValue
	}
	next := make([]float32, len(out))
	for pass := 0; pass < inpaintPasses; pass++ {
		copy(next, out)
		changed := false
		for y := s.roi.Min.Y; y < s.roi.Max.Y; y++ {
			for x := s.roi.Min.X; x < s.roi.Max.X; x++ {
				i := y*w + x
				if out[i] != s.cfg.InstableValue {
					continue
				}
				var sum float32
				var k int
				for _, d := range [4]image.Point{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
					p := image.Pt(x+d.X, y+d.Y)
					if !p.In(s.roi) {
						continue
					}
					if v := out[p.Y*w+p.X]; !bad(v) {
						sum += v
						k++
					}
				}
				if k > 0 {
					next[i] = sum / float32(k)
					changed = true
				}
			}
		}
		copy(out, next)
		if !changed {
			return
		}
	}
}

// applySpatialFilter runs the separable (1,2,1) low-pass over the ROI:
// columns then rows, twice.
func (s *Stabilizer) applySpatialFilter() {
	w := s.cfg.Width
	out := s.output.Data
	r := s.roi
	line := make([]float32, max(r.Dx(), r.Dy()))

	for pass := 0; pass < 2; pass++ {
		if r.Dy() > 1 {
			for x := r.Min.X; x < r.Max.X; x++ {
				smoothLine(out, r.Min.Y*w+x, w, r.Dy(), line)
			}
		}
		if r.Dx() > 1 {
			for y := r.Min.Y; y < r.Max.Y; y++ {
				smoothLine(out, y*w+r.Min.X, 1, r.Dx(), line)
			}
		}
	}
}

// smoothLine filters n samples of data starting at start with the given
// stride, using tmp as scratch.
func smoothLine(data []float32, start, stride, n int, tmp []float32) {
	for k := 0; k < n; k++ {
		tmp[k] = data[start+k*stride]
	}
	data[start] = (2*tmp[0] + tmp[1]) / 3
	for k := 1; k < n-1; k++ {
		data[start+k*stride] = (tmp[k-1] + 2*tmp[k] + tmp[k+1]) / 4
	}
	data[start+(n-1)*stride] = (tmp[n-2] + 2*tmp[n-1]) / 3
}

// updateGradient recomputes the coarse slope of every cell fully inside
// the ROI. Pixel pairs with a zero endpoint are ignored.
func (s *Stabilizer) updateGradient() {
	g := s.gradient
	res := g.Resolution
	w := s.cfg.Width
	out := s.output.Data

	for j := 0; j < g.Rows; j++ {
		for i := 0; i < g.Cols; i++ {
			cell := image.Rect(i*res, j*res, (i+1)*res, (j+1)*res)
			if !cell.In(s.roi) || res < 2 {
				g.Vectors[j*g.Cols+i] = r2.Point{}
				continue
			}

			var gx, gy float64
			var nx, ny int
			for k := 0; k < res; k++ {
				l := out[(cell.Min.Y+k)*w+cell.Min.X]
				rr := out[(cell.Min.Y+k)*w+cell.Max.X-1]
				if l != 0 && rr != 0 {
					gx += float64(rr - l)
					nx++
				}
				t := out[cell.Min.Y*w+cell.Min.X+k]
				b := out[(cell.Max.Y-1)*w+cell.Min.X+k]
				if t != 0 && b != 0 {
					gy += float64(b - t)
					ny++
				}
			}
			var v r2.Point
			if nx > 0 {
				v.X = gx / float64(res*nx)
			}
			if ny > 0 {
				v.Y = gy / float64(res*ny)
			}
			if norm := v.Norm(); norm > s.cfg.MaxGradient && norm > 0 {
				v = v.Mul(s.cfg.MaxGradient / norm)
			}
			g.Vectors[j*g.Cols+i] = v
		}
	}
}
