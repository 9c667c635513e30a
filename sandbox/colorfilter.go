package sandbox

import (
	"fmt"
	"image"
	"sort"

	"golang.org/x/image/draw"
)

// ColorFilterMode selects how buffered color frames are combined.
type ColorFilterMode string

const (
	ColorFilterMedian  ColorFilterMode = "median"
	ColorFilterAverage ColorFilterMode = "average"
)

// ParseColorFilterMode validates a configured mode name.
func ParseColorFilterMode(s string) (ColorFilterMode, error) {
	switch ColorFilterMode(s) {
	case ColorFilterMedian, ColorFilterAverage:
		return ColorFilterMode(s), nil
	case "":
		return ColorFilterMedian, nil
	default:
		return "", fmt.Errorf("unknown color filter mode %q", s)
	}
}

// ColorFilter denoises the color stream over the last Size frames and
// returns it as grayscale for pattern detection. Like Stabilizer it is
// owned by a single goroutine.
type ColorFilter struct {
	mode ColorFilterMode
	size int

	frames []*image.Gray
	next   int
	filled int
	added  int
	out    *image.Gray
}

// NewColorFilter returns a filter over the last size frames.
func NewColorFilter(mode ColorFilterMode, size int) *ColorFilter {
	if size < 1 {
		size = 1
	}
	return &ColorFilter{mode: mode, size: size, frames: make([]*image.Gray, size)}
}

// Reset forgets buffered frames. The next Size frames refill the buffer.
func (f *ColorFilter) Reset() {
	f.next = 0
	f.filled = 0
	f.added = 0
}

// Frames returns how many frames were added since the last reset.
func (f *ColorFilter) Frames() int {
	return f.added
}

// Size returns the buffer depth.
func (f *ColorFilter) Size() int {
	return f.size
}

// Add buffers img and returns the filtered gray image. The returned image
// is reused by the next call.
func (f *ColorFilter) Add(img image.Image) *image.Gray {
	b := img.Bounds()
	slot := f.frames[f.next]
	if slot == nil || slot.Bounds() != b {
		slot = image.NewGray(b)
		f.frames[f.next] = slot
	}
	draw.Draw(slot, b, img, b.Min, draw.Src)

	f.next = (f.next + 1) % f.size
	if f.filled < f.size {
		f.filled++
	}
	f.added++

	if f.out == nil || f.out.Bounds() != b {
		f.out = image.NewGray(b)
	}
	f.combine()
	return f.out
}

// Output returns the last filtered image, or nil before the first Add.
func (f *ColorFilter) Output() *image.Gray {
	return f.out
}

// combine merges the buffered frames whose bounds match the output.
func (f *ColorFilter) combine() {
	live := make([]*image.Gray, 0, f.filled)
	for _, g := range f.frames[:f.filled] {
		if g != nil && g.Bounds() == f.out.Bounds() {
			live = append(live, g)
		}
	}
	vals := make([]int, len(live))
	for i := range f.out.Pix {
		for k, g := range live {
			vals[k] = int(g.Pix[i])
		}
		switch f.mode {
		case ColorFilterAverage:
			sum := 0
			for _, v := range vals {
				sum += v
			}
			f.out.Pix[i] = uint8((sum + len(vals)/2) / len(vals))
		default:
			sort.Ints(vals)
			f.out.Pix[i] = uint8(vals[len(vals)/2])
		}
	}
}
