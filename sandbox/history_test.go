package sandbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHistory_RunLifecycle(t *testing.T) {
	h := openTestHistory(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := h.StartRun(KindProjector, start)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	runs, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "projector", runs[0].Kind)
	assert.True(t, runs[0].Finished.IsZero(), "run still in progress")
	assert.Empty(t, runs[0].Outcome)

	finished := start.Add(90 * time.Second)
	require.NoError(t, h.FinishRun(id, RunResult{
		Outcome:           OutcomeSucceeded,
		ReprojectionError: 1.25,
		PointPairs:        120,
		Finished:          finished,
	}))

	runs, err = h.Recent(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, id, run.ID)
	assert.True(t, run.Started.Equal(start))
	assert.True(t, run.Finished.Equal(finished))
	assert.Equal(t, OutcomeSucceeded, run.Outcome)
	assert.Equal(t, 1.25, run.ReprojectionError)
	assert.Equal(t, 120, run.PointPairs)
}

func TestHistory_RecentNewestFirst(t *testing.T) {
	h := openTestHistory(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	kinds := []CalibrationKind{KindFull, KindROI, KindProjector}
	for i, k := range kinds {
		_, err := h.StartRun(k, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	runs, err := h.Recent(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "projector", runs[0].Kind)
	assert.Equal(t, "roi", runs[1].Kind)
}

func TestHistory_FinishUnknownRun(t *testing.T) {
	h := openTestHistory(t)
	err := h.FinishRun("missing", RunResult{Outcome: OutcomeFailed, Finished: time.Now()})
	assert.Error(t, err)
}

func TestOpenHistory_BadPath(t *testing.T) {
	_, err := OpenHistory(filepath.Join(t.TempDir(), "missing", "dir", "history.db"))
	assert.Error(t, err)
}

func TestHistory_RecordsEngineRuns(t *testing.T) {
	h := openTestHistory(t)
	cfg := &Config{Sensor: SensorConfig{Width: 32, Height: 24}}
	cfg.ApplyDefaults()
	e := NewCalibrationEngine(cfg, nil, WithRunRecorder(h))

	require.NoError(t, e.StartCalibration(KindROI))
	require.NoError(t, e.Cancel())

	runs, err := h.Recent(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeCancelled, runs[0].Outcome)
	assert.Equal(t, "cancelled by operator", runs[0].Message)
}
