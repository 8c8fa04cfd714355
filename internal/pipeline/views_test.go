package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-video-pipeline/internal/model"
)

func TestViews_FoldsResultsIntoProjections(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].Transform = func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			if item.ID == "v3" {
				return nil, errors.New("checksum mismatch")
			}
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)
	v := NewViews(p)

	submitItems(t, p, 10)
	p.Close()
	require.NoError(t, v.Wait(context.Background()))

	counts := v.StatusCounts()
	require.Equal(t, 9, counts[model.StatusCompleted()])
	require.Equal(t, 1, counts[model.StatusFailed()])
	require.NotContains(t, counts, model.StatusPending())

	completed := v.CompletedResults()
	require.Len(t, completed, 9)
	for _, r := range completed {
		require.False(t, r.Failed())
		require.NotEqual(t, "v3", r.ItemID)
	}

	failed := v.FailedResults()
	require.Len(t, failed, 1)
	require.Equal(t, "v3", failed[0].ItemID)

	require.Empty(t, v.ActiveProgress())

	snap := v.Snapshot()
	require.True(t, snap.Done)
	require.Equal(t, 10, snap.Submitted)
	require.Equal(t, 0, snap.Discarded)
	require.Len(t, snap.Completed, 9)
	require.Len(t, snap.Failed, 1)
}

func TestViews_ActiveProgressTracksInFlightItems(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].Transform = func(_ context.Context, item model.Item, report func(float64)) (any, error) {
			report(50)
			<-release
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)
	v := NewViews(p)

	require.NoError(t, p.Submit(model.Item{ID: "v0"}))
	p.Close()

	require.Eventually(t, func() bool {
		active := v.ActiveProgress()
		ev, ok := active["v0"]
		return ok && ev.Percent == 50
	}, 2*time.Second, 5*time.Millisecond)

	counts := v.StatusCounts()
	require.Equal(t, 1, counts[model.StatusRunning(0)])

	close(release)
	require.NoError(t, v.Wait(context.Background()))

	require.Empty(t, v.ActiveProgress())
	require.Equal(t, 1, v.StatusCounts()[model.StatusCompleted()])
}

func TestViews_HooksRunInsideTheFold(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t))
	require.NoError(t, err)

	var hooked []string
	v := NewViews(p, WithResultHook(func(r model.Result) {
		hooked = append(hooked, r.ItemID)
	}))

	submitItems(t, p, 5)
	p.Close()
	require.NoError(t, v.Wait(context.Background()))

	require.Len(t, hooked, 5)
	require.ElementsMatch(t, []string{"v0", "v1", "v2", "v3", "v4"}, hooked)
}

func TestViews_CapturesOrchestratorFaults(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].Transform = func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			if item.ID == "v0" {
				panic("stale buffer pool")
			}
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)

	var faulted []error
	v := NewViews(p, WithFaultHook(func(err error) {
		faulted = append(faulted, err)
	}))

	submitItems(t, p, 3)
	p.Close()
	require.NoError(t, v.Wait(context.Background()))

	require.Len(t, v.Faults(), 1)
	require.Len(t, faulted, 1)
	var fault *Fault
	require.ErrorAs(t, faulted[0], &fault)
	require.Equal(t, "v0", fault.ItemID)

	snap := v.Snapshot()
	require.Len(t, snap.Faults, 1)
	require.Contains(t, snap.Faults[0], "stale buffer pool")
}

func TestViews_UpdatesSignalAndClose(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t))
	require.NoError(t, err)
	v := NewViews(p)

	submitItems(t, p, 3)
	p.Close()

	ticks := 0
	for range v.Updates() {
		ticks++
		// Snapshot at our own pace; ticks conflate under load.
		_ = v.Snapshot()
	}
	require.Positive(t, ticks)
	require.NoError(t, v.Wait(context.Background()))
}

func TestViews_SnapshotStaysConsistentUnderLoad(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxConcurrency = 4
		c.Stages[0].Transform = func(_ context.Context, item model.Item, report func(float64)) (any, error) {
			report(30)
			time.Sleep(2 * time.Millisecond)
			report(80)
			if item.Payload.(int)%7 == 0 {
				return nil, fmt.Errorf("drop frame %d", item.Payload)
			}
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)
	v := NewViews(p)

	stop := make(chan struct{})
	torn := make(chan string, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := v.Snapshot()
			if got := len(snap.Completed) + len(snap.Failed); got > snap.Submitted {
				select {
				case torn <- fmt.Sprintf("terminal results %d exceed submitted %d", got, snap.Submitted):
				default:
				}
				return
			}
			for _, n := range snap.Counts {
				if n < 0 {
					select {
					case torn <- "negative status count":
					default:
					}
					return
				}
			}
		}
	}()

	submitItems(t, p, 50)
	p.Close()
	require.NoError(t, v.Wait(context.Background()))
	close(stop)

	select {
	case msg := <-torn:
		t.Fatal(msg)
	default:
	}

	snap := v.Snapshot()
	require.Equal(t, 50, len(snap.Completed)+len(snap.Failed))
	require.Len(t, snap.Failed, 8) // payloads 0,7,...,49
}
