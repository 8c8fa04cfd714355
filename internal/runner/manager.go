// Package runner executes pipeline runs on a bounded worker pool and keeps
// the registry of everything currently in flight. The API layer is a thin
// shell over this package.
package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go-video-pipeline/internal/metrics"
	"go-video-pipeline/internal/model"
	"go-video-pipeline/internal/pipeline"
	"go-video-pipeline/internal/store"
	"go-video-pipeline/internal/video"
	"go-video-pipeline/pkg/utils"
)

// RunInfo is the live view of a tracked run.
type RunInfo struct {
	ID        string          `json:"id"`
	Status    model.RunStatus `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
	Spec      model.RunSpec   `json:"spec"`
	Snapshot  model.Snapshot  `json:"snapshot"`
}

// Manager owns the run lifecycle: accept, execute, cancel, observe.
type Manager struct {
	cfg  Config
	pool pond.Pool

	stopOnce sync.Once
	poolDone chan struct{}

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
}

type activeRun struct {
	spec      model.RunSpec
	status    model.RunStatus
	startedAt time.Time
	cancel    context.CancelFunc
	pipe      *pipeline.Pipeline
	views     *pipeline.Views
}

// NewManager builds a run manager backed by a bounded worker pool.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		pool:     pond.NewPool(cfg.MaxRuns),
		poolDone: make(chan struct{}),
		active:   make(map[string]*activeRun),
	}, nil
}

// Start validates the spec and queues the run, returning its id as soon as
// it is accepted. At most MaxRuns runs execute at once; the rest wait in
// the pool queue in pending state.
func (m *Manager) Start(spec model.RunSpec) (string, error) {
	spec = normalizeSpec(spec)
	if _, err := pipelineConfig(spec, m.cfg); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	if m.cfg.Persist {
		if err := store.SaveRun(runID, spec); err != nil {
			return "", err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrManagerClosed
	}
	m.active[runID] = &activeRun{
		spec:      spec,
		status:    model.RunPending,
		startedAt: m.cfg.Clock.Now(),
		cancel:    cancel,
	}
	m.pool.Submit(func() { m.execute(runCtx, runID, spec) })
	m.mu.Unlock()

	metrics.RunsStarted.Inc()
	return runID, nil
}

// Cancel stops feeding the run and discards its queued frames; frames
// already inside a stage drain to a terminal state first.
func (m *Manager) Cancel(runID string) error {
	m.mu.Lock()
	ar, ok := m.active[runID]
	var pipe *pipeline.Pipeline
	if ok {
		pipe = ar.pipe
	}
	m.mu.Unlock()

	if !ok {
		return ErrRunNotFound
	}
	ar.cancel()
	if pipe != nil {
		pipe.Cancel()
	}
	return nil
}

// Snapshot returns the live view of a tracked run.
func (m *Manager) Snapshot(runID string) (RunInfo, bool) {
	m.mu.Lock()
	ar, ok := m.active[runID]
	var info RunInfo
	var views *pipeline.Views
	if ok {
		info = RunInfo{ID: runID, Status: ar.status, StartedAt: ar.startedAt, Spec: ar.spec}
		views = ar.views
	}
	m.mu.Unlock()

	if !ok {
		return RunInfo{}, false
	}
	if views != nil {
		info.Snapshot = views.Snapshot()
	}
	return info, true
}

// List returns every tracked run, newest first.
func (m *Manager) List() []RunInfo {
	m.mu.Lock()
	infos := make([]RunInfo, 0, len(m.active))
	for id, ar := range m.active {
		info := RunInfo{ID: id, Status: ar.status, StartedAt: ar.startedAt, Spec: ar.spec}
		if ar.views != nil {
			info.Snapshot = ar.views.Snapshot()
		}
		infos = append(infos, info)
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.After(infos[j].StartedAt) })
	return infos
}

// Shutdown cancels every tracked run and waits for the pool to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	pipes := make([]*pipeline.Pipeline, 0, len(m.active))
	for _, ar := range m.active {
		ar.cancel()
		if ar.pipe != nil {
			pipes = append(pipes, ar.pipe)
		}
	}
	m.mu.Unlock()
	for _, p := range pipes {
		p.Cancel()
	}

	m.stopOnce.Do(func() {
		go func() {
			m.pool.StopAndWait()
			close(m.poolDone)
		}()
	})
	select {
	case <-m.poolDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ------------------- Run Execution -------------------

func (m *Manager) execute(ctx context.Context, runID string, spec model.RunSpec) {
	logger := m.cfg.Logger.With("run_id", runID)
	started := m.cfg.Clock.Now()

	if ctx.Err() != nil {
		logger.Info("run cancelled before start")
		m.finish(runID, model.RunCancelled, model.Snapshot{}, started, false)
		return
	}

	pcfg, err := pipelineConfig(spec, m.cfg)
	if err != nil {
		logger.Error("run spec rejected", "error", err)
		m.finish(runID, model.RunFailed, model.Snapshot{}, started, false)
		return
	}
	p, err := pipeline.New(pcfg)
	if err != nil {
		logger.Error("pipeline construction failed", "error", err)
		m.finish(runID, model.RunFailed, model.Snapshot{}, started, false)
		return
	}

	// The batcher must exist before the fold starts so the result hook
	// never observes a half-initialized sink.
	var (
		resultCh    chan model.Result
		batcherDone chan struct{}
	)
	if m.cfg.Persist {
		resultCh = make(chan model.Result, 256)
		batcherDone = make(chan struct{})
		batches := pipeline.Batch(context.Background(), resultCh, m.cfg.ResultBatch)
		go func() {
			defer close(batcherDone)
			for batch := range batches {
				if err := store.SaveRunResults(runID, batch); err != nil {
					logger.Error("persist results", "error", err)
				}
			}
		}()
	}

	views := pipeline.NewViews(p,
		pipeline.WithResultHook(func(r model.Result) {
			status := "completed"
			if r.Failed() {
				status = "failed"
			}
			metrics.ResultsTotal.WithLabelValues(status).Inc()
			if resultCh != nil {
				resultCh <- r
			}
		}),
		pipeline.WithFaultHook(func(err error) {
			metrics.FaultsTotal.Inc()
			logger.Warn("stage fault", "error", err)
			if !m.cfg.Persist {
				return
			}
			var fault *pipeline.Fault
			if errors.As(err, &fault) {
				if err := store.SaveRunError(runID, fault.StageName, fault.ItemID, fault.Err); err != nil {
					logger.Error("persist fault", "error", err)
				}
			}
		}),
	)

	m.mu.Lock()
	if ar, ok := m.active[runID]; ok {
		ar.status = model.RunRunning
		ar.pipe = p
		ar.views = views
	}
	m.mu.Unlock()

	if m.cfg.Persist {
		if err := store.UpdateRunStatus(runID, model.RunRunning); err != nil {
			logger.Error("persist status", "error", err)
		}
	}
	metrics.ActiveRuns.Inc()
	logger.Info("run started", "sources", len(spec.Sources), "stages", p.StageNames())

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range spec.Sources {
		src := video.Source{
			Name:     s.Name,
			Frames:   s.Frames,
			Interval: utils.ParseDuration(s.Interval, 0),
			Clock:    m.cfg.Clock,
		}
		g.Go(func() error {
			frames := src.Stream(gctx)
			if spec.FilterEven {
				frames = pipeline.Filter(gctx, frames, video.KeepEven)
			}
			for frame := range frames {
				if err := p.Submit(model.Item{ID: frame.Key(), Payload: frame, SubmittedAt: m.cfg.Clock.Now()}); err != nil {
					return err
				}
				metrics.FramesSubmitted.WithLabelValues(src.Name).Inc()
			}
			return nil
		})
	}
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, pipeline.ErrPipelineClosed) {
			logger.Warn("frame submission stopped early", "error", err)
		}
		p.Close()
	}()

	views.Wait(context.Background())
	if resultCh != nil {
		close(resultCh)
		<-batcherDone
	}

	snap := views.Snapshot()
	status := model.RunCompleted
	if ctx.Err() != nil {
		status = model.RunCancelled
	}
	logger.Info("run finished",
		"status", string(status),
		"submitted", snap.Submitted,
		"completed", len(snap.Completed),
		"failed", len(snap.Failed),
		"faults", len(snap.Faults),
		"discarded", snap.Discarded,
	)
	m.finish(runID, status, snap, started, true)
}

func (m *Manager) finish(runID string, status model.RunStatus, snap model.Snapshot, started time.Time, ran bool) {
	if ran {
		metrics.ActiveRuns.Dec()
		metrics.RunDuration.Observe(m.cfg.Clock.Since(started).Seconds())
	}
	if m.cfg.Persist {
		if err := store.FinishRun(runID, status, snap); err != nil {
			m.cfg.Logger.Error("persist final run state", "run_id", runID, "error", err)
		}
	}
	m.mu.Lock()
	delete(m.active, runID)
	m.mu.Unlock()
}
