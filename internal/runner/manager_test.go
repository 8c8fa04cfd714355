package runner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-video-pipeline/internal/model"
	"go-video-pipeline/internal/store"
)

func newTestManager(t *testing.T, mutators ...func(*Config)) *Manager {
	t.Helper()

	cfg := Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxRuns:     2,
		ResultBatch: 5,
	}
	for _, mutate := range mutators {
		mutate(&cfg)
	}

	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, mgr.Shutdown(ctx))
	})
	return mgr
}

func initTestStore(t *testing.T) {
	t.Helper()
	require.NoError(t, store.InitDB(filepath.Join(t.TempDir(), "runs.db")))
	t.Cleanup(func() { store.CloseDB() })
}

func fastSpec(frames int) model.RunSpec {
	return model.RunSpec{
		Sources: []model.SourceSpec{
			{Name: "cam-1", Frames: frames, Interval: "1ms"},
		},
		Stages: []model.StageTuning{
			{Name: "process", MaxConcurrency: 3, MaxAttempts: 1, Cost: "1ms"},
			{Name: "publish", MaxConcurrency: 2, MaxAttempts: 1, Cost: "1ms"},
		},
	}
}

func waitForFinish(t *testing.T, mgr *Manager, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := mgr.Snapshot(runID)
		return !ok
	}, 15*time.Second, 10*time.Millisecond, "run never finished")
}

func TestManagerRunsToCompletion(t *testing.T) {
	initTestStore(t)
	mgr := newTestManager(t, func(c *Config) { c.Persist = true })

	runID, err := mgr.Start(fastSpec(6))
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	waitForFinish(t, mgr, runID)

	run, err := store.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, string(model.RunCompleted), run["status"])
	require.Equal(t, 6, run["submitted"])
	require.Equal(t, 6, run["completed"])
	require.Equal(t, 0, run["failed"])

	results, err := store.GetRunResults(runID, 0)
	require.NoError(t, err)
	require.Len(t, results, 6)
	for _, r := range results {
		require.Equal(t, "completed", r["status"])
		require.Equal(t, "publish", r["stage"])
	}
}

func TestManagerPersistsFailedFrames(t *testing.T) {
	initTestStore(t)
	mgr := newTestManager(t, func(c *Config) { c.Persist = true })

	spec := fastSpec(6)
	spec.FailEvery = 3 // frames 2 and 5 get rejected at publish

	runID, err := mgr.Start(spec)
	require.NoError(t, err)
	waitForFinish(t, mgr, runID)

	run, err := store.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, string(model.RunCompleted), run["status"])
	require.Equal(t, 6, run["submitted"])
	require.Equal(t, 4, run["completed"])
	require.Equal(t, 2, run["failed"])

	results, err := store.GetRunResults(runID, 0)
	require.NoError(t, err)
	require.Len(t, results, 6)

	failed := 0
	for _, r := range results {
		if r["status"] == "failed" {
			failed++
			require.Contains(t, r["error"], "uplink rejection")
		}
	}
	require.Equal(t, 2, failed)
}

func TestManagerRejectsUnknownStage(t *testing.T) {
	mgr := newTestManager(t)

	spec := fastSpec(3)
	spec.Stages = append(spec.Stages, model.StageTuning{Name: "transcode"})

	_, err := mgr.Start(spec)
	require.ErrorContains(t, err, "unknown stage")
}

func TestManagerRejectsBadStageConcurrency(t *testing.T) {
	mgr := newTestManager(t)

	spec := fastSpec(3)
	spec.Stages[0].MaxConcurrency = -1

	_, err := mgr.Start(spec)
	require.Error(t, err)
}

func TestManagerCancelStopsARun(t *testing.T) {
	initTestStore(t)
	mgr := newTestManager(t, func(c *Config) { c.Persist = true })

	runID, err := mgr.Start(fastSpec(100000))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ok := mgr.Snapshot(runID)
		return ok && info.Status == model.RunRunning && info.Snapshot.Submitted > 0
	}, 10*time.Second, 5*time.Millisecond, "run never started submitting")

	require.NoError(t, mgr.Cancel(runID))
	waitForFinish(t, mgr, runID)

	run, err := store.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, string(model.RunCancelled), run["status"])

	require.ErrorIs(t, mgr.Cancel(runID), ErrRunNotFound)
}

func TestManagerBoundsConcurrentRuns(t *testing.T) {
	initTestStore(t)
	mgr := newTestManager(t, func(c *Config) {
		c.Persist = true
		c.MaxRuns = 1
	})

	first, err := mgr.Start(fastSpec(50))
	require.NoError(t, err)
	second, err := mgr.Start(fastSpec(50))
	require.NoError(t, err)

	// With a single slot at most one run may ever be executing.
	for i := 0; i < 10; i++ {
		running := 0
		for _, info := range mgr.List() {
			if info.Status == model.RunRunning {
				running++
			}
		}
		require.LessOrEqual(t, running, 1)
		time.Sleep(5 * time.Millisecond)
	}

	waitForFinish(t, mgr, first)
	waitForFinish(t, mgr, second)

	for _, id := range []string{first, second} {
		run, err := store.GetRun(id)
		require.NoError(t, err)
		require.Equal(t, string(model.RunCompleted), run["status"])
	}
}

func TestManagerFilterEvenDropsOddFrames(t *testing.T) {
	initTestStore(t)
	mgr := newTestManager(t, func(c *Config) { c.Persist = true })

	spec := fastSpec(10)
	spec.FilterEven = true

	runID, err := mgr.Start(spec)
	require.NoError(t, err)
	waitForFinish(t, mgr, runID)

	run, err := store.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, 5, run["submitted"])
	require.Equal(t, 5, run["completed"])
}

func TestManagerShutdownStopsEverything(t *testing.T) {
	initTestStore(t)
	mgr := newTestManager(t, func(c *Config) { c.Persist = true })

	runID, err := mgr.Start(fastSpec(100000))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ok := mgr.Snapshot(runID)
		return ok && info.Snapshot.Submitted > 0
	}, 10*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))

	_, err = mgr.Start(fastSpec(3))
	require.ErrorIs(t, err, ErrManagerClosed)

	run, err := store.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, string(model.RunCancelled), run["status"])
}

func TestNormalizeSpecFillsDemoDefaults(t *testing.T) {
	t.Parallel()

	spec := normalizeSpec(model.RunSpec{})
	require.Len(t, spec.Sources, 2)
	require.Equal(t, "cam-1", spec.Sources[0].Name)
	require.Equal(t, defaultFrames, spec.Sources[0].Frames)
	require.Len(t, spec.Stages, 3)
	require.Equal(t, "process", spec.Stages[0].Name)
	require.Equal(t, "encode", spec.Stages[1].Name)
	require.Equal(t, "publish", spec.Stages[2].Name)
	require.Equal(t, 3, spec.Stages[2].MaxAttempts)
}
