package pipeline

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go-video-pipeline/internal/model"
)

var errTransformPanic = errors.New("transform panicked")

// stage wires one StageSpec to its limiter and channels. out is the next
// stage's in channel; nil for the last stage.
type stage struct {
	index   int
	spec    StageSpec
	limiter *Limiter
	in      chan model.Item
	out     chan model.Item

	degraded atomic.Bool
	panics   atomic.Int64
}

// runStage is the stage dispatcher: it admits items one by one, taking a
// permit before spawning the per-item goroutine so executions stay bounded
// and upstream backs up when the stage saturates. Items arriving after
// cancellation are discarded without a result.
func (p *Pipeline) runStage(st *stage) {
	var inflight sync.WaitGroup
	defer p.stageWG.Done()
	if st.out != nil {
		// safe: runs after inflight.Wait, so no forward can race the close
		defer close(st.out)
	}
	defer inflight.Wait()

	for item := range st.in {
		if p.runCtx.Err() != nil {
			p.discardOne(item)
			continue
		}
		permit, err := st.limiter.Acquire(p.runCtx)
		if err != nil {
			p.discardOne(item)
			continue
		}
		item.Status = model.StatusRunning(st.index)
		inflight.Add(1)
		go func(item model.Item, permit *Permit) {
			defer inflight.Done()
			p.runItem(st, item, permit)
		}(item, permit)
	}
}

// runItem drives one item through up to MaxAttempts executions of the stage
// transform. The first attempt uses the dispatcher's permit; every retry
// waits out the backoff without a permit, then reacquires, so retries count
// against the cap like fresh work.
func (p *Pipeline) runItem(st *stage, item model.Item, permit *Permit) {
	entered := p.cfg.Clock.Now()
	p.publishProgress(st, item.ID, entered, 0)

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(st.spec.RetryInitialDelay),
		backoff.WithMaxInterval(st.spec.RetryMaxDelay),
		backoff.WithMaxElapsedTime(0),
	)

	var (
		out      any
		err      error
		attempts int
	)
retry:
	for {
		attempts++
		out, err = p.attempt(st, item, permit, entered)
		permit = nil // the first permit is spent; retries reacquire

		if err == nil || p.runCtx.Err() != nil {
			break
		}
		if errors.Is(err, errTransformPanic) || errors.Is(err, ErrStageDegraded) {
			break
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
			break
		}
		if attempts >= st.spec.MaxAttempts {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		p.cfg.Logger.Debug("retrying item",
			"stage", st.spec.Name, "item", item.ID, "attempt", attempts, "wait", wait, "error", err)
		select {
		case <-p.runCtx.Done():
			break retry
		case <-p.cfg.Clock.After(wait):
		}
	}

	elapsed := p.cfg.Clock.Since(entered)
	if err != nil {
		item.Status = model.StatusFailed()
		p.deliver(model.Result{
			ItemID:     item.ID,
			Err:        err,
			Stage:      st.index,
			StageName:  st.spec.Name,
			Attempts:   attempts,
			Duration:   elapsed,
			FinishedAt: p.cfg.Clock.Now(),
		})
		return
	}
	item.Payload = out
	p.forward(st, item, attempts, elapsed)
}

// attempt runs the transform once under a permit. A panic is captured as a
// fault plus a failure for the item; enough consecutive panics flip the
// stage to drain-only, where items fail immediately without running the
// transform.
func (p *Pipeline) attempt(st *stage, item model.Item, permit *Permit, entered time.Time) (out any, err error) {
	if st.degraded.Load() {
		if permit != nil {
			permit.Release()
		}
		return nil, fmt.Errorf("%w: %s", ErrStageDegraded, st.spec.Name)
	}
	if permit == nil {
		permit, err = st.limiter.Acquire(p.runCtx)
		if err != nil {
			return nil, err
		}
	}
	defer permit.Release()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errTransformPanic, r)
			if st.panics.Add(1) >= panicDegradeThreshold && st.degraded.CompareAndSwap(false, true) {
				p.cfg.Logger.Error("stage degraded to drain-only",
					"stage", st.spec.Name, "consecutive_panics", st.panics.Load())
			}
			p.fault(st, item.ID, err)
		}
	}()

	report := func(pct float64) { p.publishProgress(st, item.ID, entered, pct) }
	out, err = st.spec.Transform(p.runCtx, item, report)
	if err == nil {
		st.panics.Store(0)
	}
	return out, err
}

// forward hands a stage success to the next stage, or delivers the terminal
// result when this was the last stage.
func (p *Pipeline) forward(st *stage, item model.Item, attempts int, elapsed time.Duration) {
	if st.out == nil {
		item.Status = model.StatusCompleted()
		p.deliver(model.Result{
			ItemID:     item.ID,
			Payload:    item.Payload,
			Stage:      st.index,
			StageName:  st.spec.Name,
			Attempts:   attempts,
			Duration:   elapsed,
			FinishedAt: p.cfg.Clock.Now(),
		})
		return
	}
	select {
	case st.out <- item:
	case <-p.runCtx.Done():
		p.discardOne(item)
	}
}

// publishProgress derives rate and remaining time from wall time spent in
// the stage and publishes the event. Drops under consumer lag; later events
// supersede.
func (p *Pipeline) publishProgress(st *stage, itemID string, entered time.Time, pct float64) {
	pct = math.Max(0, math.Min(100, pct))
	now := p.cfg.Clock.Now()
	ev := model.ProgressEvent{
		ItemID:    itemID,
		Stage:     st.index,
		StageName: st.spec.Name,
		Percent:   pct,
		At:        now,
	}
	if elapsed := now.Sub(entered); elapsed > 0 && pct > 0 {
		ev.Rate = pct / elapsed.Seconds()
		if pct < 100 {
			ev.Remaining = time.Duration(float64(elapsed) * (100 - pct) / pct)
		}
	}
	select {
	case p.progressCh <- ev:
	default:
	}
}
