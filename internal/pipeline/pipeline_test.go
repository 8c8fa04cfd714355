package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"go-video-pipeline/internal/model"
)

func newTestConfig(t *testing.T, mutate ...func(*Config)) Config {
	t.Helper()
	cfg := Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Stages: []StageSpec{{
			Name:           "work",
			MaxConcurrency: 3,
			Transform:      passthrough,
		}},
		BufferSize: 8,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

func passthrough(_ context.Context, item model.Item, _ func(float64)) (any, error) {
	return item.Payload, nil
}

// sleepTransform holds its permit for the full duration even when the
// pipeline is cancelled mid-flight.
func sleepTransform(d time.Duration) Transform {
	return func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
		time.Sleep(d)
		return item.Payload, nil
	}
}

func submitItems(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, p.Submit(model.Item{ID: fmt.Sprintf("v%d", i), Payload: i}))
	}
}

func collectResults(t *testing.T, p *Pipeline) []model.Result {
	t.Helper()
	var out []model.Result
	timeout := time.After(10 * time.Second)
	for {
		select {
		case r, ok := <-p.Results():
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out draining results after %d", len(out))
		}
	}
}

func resultIDs(results []model.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ItemID
	}
	return ids
}

func requireExactlyOnce(t *testing.T, results []model.Result) {
	t.Helper()
	seen := make(map[string]int, len(results))
	for _, r := range results {
		seen[r.ItemID]++
	}
	for id, n := range seen {
		require.Equalf(t, 1, n, "item %s got %d terminal results", id, n)
	}
}

func TestPipeline_CompletesAllItemsWithinCap(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].Transform = sleepTransform(50 * time.Millisecond)
	}))
	require.NoError(t, err)

	start := time.Now()
	submitItems(t, p, 10)
	p.Close()
	results := collectResults(t, p)
	elapsed := time.Since(start)

	require.Len(t, results, 10)
	requireExactlyOnce(t, results)
	for _, r := range results {
		require.False(t, r.Failed())
		require.Equal(t, 1, r.Attempts)
	}

	// 10 items over 3 permits at 50ms each: four waves, well under the
	// 500ms a sequential run would take.
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	require.Less(t, elapsed, 450*time.Millisecond)
}

func TestPipeline_NeverExceedsStageCap(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int64
	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].Transform = func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)

	submitItems(t, p, 30)
	p.Close()
	results := collectResults(t, p)

	require.Len(t, results, 30)
	require.Equal(t, int64(3), peak.Load())
}

func TestPipeline_CompletionOrderNotSubmissionOrder(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].Transform = func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			if item.ID == "v0" {
				time.Sleep(120 * time.Millisecond)
			} else {
				time.Sleep(10 * time.Millisecond)
			}
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)

	submitItems(t, p, 8)
	p.Close()
	results := collectResults(t, p)

	require.Len(t, results, 8)
	ids := resultIDs(results)
	require.NotEqual(t, "v0", ids[0], "slowest item must not block faster ones")
	require.Equal(t, "v0", ids[len(ids)-1])
}

func TestPipeline_CapOneRunsSequentially(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxConcurrency = 1
		c.Stages[0].Transform = func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			if item.ID == "v0" {
				time.Sleep(60 * time.Millisecond)
			} else {
				time.Sleep(5 * time.Millisecond)
			}
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)

	submitItems(t, p, 6)
	p.Close()
	results := collectResults(t, p)

	require.Equal(t, []string{"v0", "v1", "v2", "v3", "v4", "v5"}, resultIDs(results))
}

func TestPipeline_ErrorIsolation(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].Transform = func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			time.Sleep(5 * time.Millisecond)
			if item.ID == "v3" {
				return nil, errors.New("corrupt frame header")
			}
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)

	submitItems(t, p, 10)
	p.Close()
	results := collectResults(t, p)

	require.Len(t, results, 10)
	requireExactlyOnce(t, results)

	var failed []model.Result
	for _, r := range results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	require.Equal(t, "v3", failed[0].ItemID)
	require.ErrorContains(t, failed[0].Err, "corrupt frame header")
	require.Equal(t, "work", failed[0].StageName)
}

func TestPipeline_RetriesFlakyTransform(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := map[string]int{}

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxAttempts = 3
		c.Stages[0].RetryInitialDelay = 5 * time.Millisecond
		c.Stages[0].Transform = func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			mu.Lock()
			calls[item.ID]++
			n := calls[item.ID]
			mu.Unlock()
			if item.ID == "v1" && n < 3 {
				return nil, fmt.Errorf("transient encoder stall %d", n)
			}
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)

	submitItems(t, p, 4)
	p.Close()
	results := collectResults(t, p)

	require.Len(t, results, 4)
	for _, r := range results {
		require.False(t, r.Failed())
		if r.ItemID == "v1" {
			require.Equal(t, 3, r.Attempts)
		} else {
			require.Equal(t, 1, r.Attempts)
		}
	}
}

func TestPipeline_ExhaustedAttemptsFailTheItem(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxAttempts = 3
		c.Stages[0].RetryInitialDelay = 2 * time.Millisecond
		c.Stages[0].Transform = func(_ context.Context, _ model.Item, _ func(float64)) (any, error) {
			return nil, errors.New("upstream unreachable")
		}
	}))
	require.NoError(t, err)

	require.NoError(t, p.Submit(model.Item{ID: "v0"}))
	p.Close()
	results := collectResults(t, p)

	require.Len(t, results, 1)
	require.True(t, results[0].Failed())
	require.Equal(t, 3, results[0].Attempts)
	require.ErrorContains(t, results[0].Err, "upstream unreachable")
}

func TestPipeline_PermanentErrorSuppressesRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxAttempts = 3
		c.Stages[0].Transform = func(_ context.Context, _ model.Item, _ func(float64)) (any, error) {
			calls.Add(1)
			return nil, backoff.Permanent(errors.New("unsupported pixel format"))
		}
	}))
	require.NoError(t, err)

	require.NoError(t, p.Submit(model.Item{ID: "v0"}))
	p.Close()
	results := collectResults(t, p)

	require.Len(t, results, 1)
	require.True(t, results[0].Failed())
	require.Equal(t, 1, results[0].Attempts)
	require.Equal(t, int64(1), calls.Load())
	require.ErrorContains(t, results[0].Err, "unsupported pixel format")
}

func TestPipeline_MultiStageFlowAndShortCircuit(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages = []StageSpec{
			{
				Name:           "double",
				MaxConcurrency: 2,
				Transform: func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
					if item.ID == "v2" {
						return nil, errors.New("bad sample")
					}
					return item.Payload.(int) * 2, nil
				},
			},
			{
				Name:           "stringify",
				MaxConcurrency: 2,
				Transform: func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
					return fmt.Sprintf("out-%d", item.Payload.(int)), nil
				},
			},
		}
	}))
	require.NoError(t, err)

	submitItems(t, p, 5)
	p.Close()
	results := collectResults(t, p)

	require.Len(t, results, 5)
	requireExactlyOnce(t, results)

	byID := make(map[string]model.Result, len(results))
	for _, r := range results {
		byID[r.ItemID] = r
	}

	require.True(t, byID["v2"].Failed())
	require.Equal(t, 0, byID["v2"].Stage)
	require.Equal(t, "double", byID["v2"].StageName)

	for _, id := range []string{"v0", "v1", "v3", "v4"} {
		r := byID[id]
		require.False(t, r.Failed())
		require.Equal(t, 1, r.Stage)
		require.Equal(t, "stringify", r.StageName)
	}
	require.Equal(t, "out-6", byID["v3"].Payload)
}

func TestPipeline_SubmitAfterCloseIsRejected(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t))
	require.NoError(t, err)

	p.Close()
	err = p.Submit(model.Item{ID: "late"})
	require.ErrorIs(t, err, ErrPipelineClosed)
	collectResults(t, p)

	p2, err := New(newTestConfig(t))
	require.NoError(t, err)
	p2.Cancel()
	err = p2.Submit(model.Item{ID: "late"})
	require.ErrorIs(t, err, ErrPipelineClosed)
	collectResults(t, p2)
}

func TestPipeline_CancelDrainsInFlightAndDiscardsRest(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.BufferSize = 2
		c.Stages[0].MaxConcurrency = 1
		c.Stages[0].Transform = sleepTransform(50 * time.Millisecond)
	}))
	require.NoError(t, err)

	submitItems(t, p, 10)
	time.Sleep(75 * time.Millisecond)
	p.Cancel()

	results := collectResults(t, p)

	require.NotEmpty(t, results)
	require.Less(t, len(results), 10)
	require.Positive(t, p.Discarded())
	require.Equal(t, 10, len(results)+p.Discarded())
	requireExactlyOnce(t, results)

	select {
	case <-p.Done():
	case <-time.After(1 * time.Second):
		t.Fatalf("pipeline did not report done after cancel drain")
	}
}

func TestPipeline_PanicBecomesFaultAndFailedResult(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxConcurrency = 2
		c.Stages[0].Transform = func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			if item.ID == "v1" {
				panic("nil decoder handle")
			}
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)

	var faultsMu sync.Mutex
	var faults []error
	faultsDone := make(chan struct{})
	go func() {
		defer close(faultsDone)
		for e := range p.Errors() {
			faultsMu.Lock()
			faults = append(faults, e)
			faultsMu.Unlock()
		}
	}()

	submitItems(t, p, 6)
	p.Close()
	results := collectResults(t, p)
	<-faultsDone

	require.Len(t, results, 6)
	byID := make(map[string]model.Result, len(results))
	for _, r := range results {
		byID[r.ItemID] = r
	}
	require.True(t, byID["v1"].Failed())
	require.ErrorContains(t, byID["v1"].Err, "nil decoder handle")
	for _, id := range []string{"v0", "v2", "v3", "v4", "v5"} {
		require.False(t, byID[id].Failed())
	}

	require.Len(t, faults, 1)
	var fault *Fault
	require.ErrorAs(t, faults[0], &fault)
	require.Equal(t, "v1", fault.ItemID)
	require.Equal(t, "work", fault.StageName)
}

func TestPipeline_RepeatedPanicsDegradeStageToDrainOnly(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxConcurrency = 1
		c.Stages[0].Transform = func(_ context.Context, _ model.Item, _ func(float64)) (any, error) {
			panic("decoder heap corruption")
		}
	}))
	require.NoError(t, err)

	submitItems(t, p, 6)
	p.Close()
	results := collectResults(t, p)

	var faults []error
	for e := range p.Errors() {
		faults = append(faults, e)
	}

	require.Len(t, results, 6)
	var panicked, degraded int
	for _, r := range results {
		require.True(t, r.Failed())
		switch {
		case errors.Is(r.Err, ErrStageDegraded):
			degraded++
		default:
			panicked++
		}
	}
	require.Equal(t, 3, panicked, "panics before the stage degrades")
	require.Equal(t, 3, degraded, "items failed fast after degradation")
	require.Len(t, faults, 3)
}

func TestPipeline_ProgressEventsDeriveRateAndRemaining(t *testing.T) {
	t.Parallel()

	p, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].Transform = func(_ context.Context, item model.Item, report func(float64)) (any, error) {
			time.Sleep(10 * time.Millisecond)
			report(25)
			time.Sleep(10 * time.Millisecond)
			report(50)
			time.Sleep(10 * time.Millisecond)
			return item.Payload, nil
		}
	}))
	require.NoError(t, err)

	var eventsMu sync.Mutex
	var events []model.ProgressEvent
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for ev := range p.Progress() {
			eventsMu.Lock()
			events = append(events, ev)
			eventsMu.Unlock()
		}
	}()

	require.NoError(t, p.Submit(model.Item{ID: "v0"}))
	p.Close()
	results := collectResults(t, p)
	<-eventsDone

	require.Len(t, results, 1)
	require.GreaterOrEqual(t, len(events), 3)

	require.Equal(t, float64(0), events[0].Percent)
	var sawMid bool
	for _, ev := range events {
		require.Equal(t, "v0", ev.ItemID)
		require.Equal(t, "work", ev.StageName)
		if ev.Percent == 50 {
			sawMid = true
			require.Greater(t, ev.Rate, float64(0))
			require.Greater(t, ev.Remaining, time.Duration(0))
		}
	}
	require.True(t, sawMid, "expected the 50 percent report to arrive")
}

func TestPipeline_MultiplePipelinesRunIndependently(t *testing.T) {
	t.Parallel()

	var peakA, peakB atomic.Int64
	track := func(current *atomic.Int64, peak *atomic.Int64) Transform {
		return func(_ context.Context, item model.Item, _ func(float64)) (any, error) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return item.Payload, nil
		}
	}

	var curA, curB atomic.Int64
	pa, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxConcurrency = 2
		c.Stages[0].Transform = track(&curA, &peakA)
	}))
	require.NoError(t, err)
	pb, err := New(newTestConfig(t, func(c *Config) {
		c.Stages[0].MaxConcurrency = 4
		c.Stages[0].Transform = track(&curB, &peakB)
	}))
	require.NoError(t, err)

	submitItems(t, pa, 12)
	submitItems(t, pb, 12)
	pa.Close()
	pb.Close()

	resultsA := collectResults(t, pa)
	resultsB := collectResults(t, pb)

	require.Len(t, resultsA, 12)
	require.Len(t, resultsB, 12)
	require.LessOrEqual(t, peakA.Load(), int64(2))
	require.LessOrEqual(t, peakB.Load(), int64(4))
}

func TestPipeline_ConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "no stages",
			mutate: func(c *Config) { c.Stages = nil },
			field:  "stages",
		},
		{
			name:   "nil transform",
			mutate: func(c *Config) { c.Stages[0].Transform = nil },
			field:  "stages[0].transform",
		},
		{
			name:   "negative concurrency",
			mutate: func(c *Config) { c.Stages[0].MaxConcurrency = -2 },
			field:  "stages[0].maxConcurrency",
		},
		{
			name:   "negative attempts",
			mutate: func(c *Config) { c.Stages[0].MaxAttempts = -1 },
			field:  "stages[0].maxAttempts",
		},
		{
			name:   "negative buffer",
			mutate: func(c *Config) { c.BufferSize = -8 },
			field:  "bufferSize",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := newTestConfig(t, tt.mutate)
			_, err := New(cfg)
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestPipeline_ConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Stages: []StageSpec{{Transform: passthrough}}}
	require.NoError(t, cfg.Validate())

	require.Equal(t, defaultBufferSize, cfg.BufferSize)
	require.NotNil(t, cfg.Logger)
	require.NotNil(t, cfg.Clock)
	require.Equal(t, "stage-0", cfg.Stages[0].Name)
	require.Equal(t, 1, cfg.Stages[0].MaxConcurrency)
	require.Equal(t, 1, cfg.Stages[0].MaxAttempts)
	require.Equal(t, defaultRetryInitialDelay, cfg.Stages[0].RetryInitialDelay)
	require.Equal(t, defaultRetryMaxDelay, cfg.Stages[0].RetryMaxDelay)
}
