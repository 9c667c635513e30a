package sandbox

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FrameSource delivers sensor frames on out until ctx is done. Sources
// use Offer, so a slow consumer only ever sees the newest frame.
type FrameSource interface {
	Run(ctx context.Context, out chan Frame) error
}

// ReplaySource loops over recorded frames in a directory: depth-*.png (or
// depth-*.bin in the raw format) and optional color-*.png with matching
// suffixes.
type ReplaySource struct {
	Dir      string
	Interval time.Duration
	// Once stops after a single pass instead of looping.
	Once bool
}

// ReplayFrame pairs the files of one recorded frame.
type ReplayFrame struct {
	Depth string
	Color string
}

// ListReplayFrames returns the recorded frames in dir, sorted by name.
func ListReplayFrames(dir string) ([]ReplayFrame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading replay directory: %w", err)
	}
	colors := make(map[string]string)
	var depths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		switch {
		case strings.HasPrefix(name, "depth-"):
			depths = append(depths, name)
		case strings.HasPrefix(name, "color-"):
			colors[replayKey(name, "color-")] = filepath.Join(dir, name)
		}
	}
	sort.Strings(depths)

	frames := make([]ReplayFrame, 0, len(depths))
	for _, name := range depths {
		frames = append(frames, ReplayFrame{
			Depth: filepath.Join(dir, name),
			Color: colors[replayKey(name, "depth-")],
		})
	}
	return frames, nil
}

func replayKey(name, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), filepath.Ext(name))
}

// Load reads one recorded frame from disk.
func (rf ReplayFrame) Load() (Frame, error) {
	depth, err := ReadDepthFile(rf.Depth)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Depth: depth, Captured: time.Now()}
	if rf.Color != "" {
		var c image.Image
		if c, err = ReadColorFile(rf.Color); err != nil {
			return Frame{}, err
		}
		f.Color = c
	}
	return f, nil
}

// Run replays the directory at the configured interval.
func (s *ReplaySource) Run(ctx context.Context, out chan Frame) error {
	frames, err := ListReplayFrames(s.Dir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no depth-* frames in %s", s.Dir)
	}
	log.Printf("Replaying %d frames from %s", len(frames), s.Dir)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		if i == len(frames) {
			if s.Once {
				return nil
			}
			i = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		f, err := frames[i].Load()
		if err != nil {
			log.Printf("Skipping replay frame %s: %v", frames[i].Depth, err)
			continue
		}
		Offer(out, f)
	}
}
