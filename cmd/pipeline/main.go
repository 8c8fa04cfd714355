package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"go-video-pipeline/internal/model"
	"go-video-pipeline/internal/pipeline"
	"go-video-pipeline/internal/video"
	"go-video-pipeline/pkg/utils"
)

const encodeChunks = 4

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		sources     = flag.Int("sources", getenvInt("PIPELINE_SOURCES", 2), "number of simulated camera feeds (env: PIPELINE_SOURCES)")
		frames      = flag.Int("frames", getenvInt("PIPELINE_FRAMES", 20), "frames per feed (env: PIPELINE_FRAMES)")
		interval    = flag.Duration("interval", getenvDuration("PIPELINE_INTERVAL", 15*time.Millisecond), "per-frame capture interval (env: PIPELINE_INTERVAL)")
		processCap  = flag.Int("process-cap", 3, "max concurrent frames in the process stage")
		encodeCap   = flag.Int("encode-cap", 2, "max concurrent frames in the encode stage")
		publishCap  = flag.Int("publish-cap", 2, "max concurrent frames in the publish stage")
		processCost = flag.Duration("process-cost", 30*time.Millisecond, "simulated per-frame process cost")
		encodeCost  = flag.Duration("encode-cost", 40*time.Millisecond, "simulated per-frame encode cost")
		publishCost = flag.Duration("publish-cost", 25*time.Millisecond, "simulated per-frame publish cost")
		attempts    = flag.Int("attempts", 3, "max publish attempts per frame")
		failEvery   = flag.Int("fail-every", getenvInt("PIPELINE_FAIL_EVERY", 0), "publish fails every Nth frame, 0 = never (env: PIPELINE_FAIL_EVERY)")
		filterEven  = flag.Bool("filter-even", false, "drop odd-indexed frames before submission")
		buffer      = flag.Int("buffer", 16, "channel capacity between stages")
		outDir      = flag.String("out", getenv("PIPELINE_OUT", ""), "write a run report under this directory (env: PIPELINE_OUT)")
		verbose     = flag.Bool("verbose", false, "verbose mode - show debug logs")
	)
	flag.Parse()

	// Warnings only by default so the live line stays readable.
	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))

	clock := clockwork.NewRealClock()

	p, err := pipeline.New(pipeline.Config{
		Logger:     log,
		BufferSize: *buffer,
		Stages: []pipeline.StageSpec{
			{
				Name:           "process",
				Transform:      video.Process(clock, *processCost),
				MaxConcurrency: *processCap,
			},
			{
				Name:           "encode",
				Transform:      video.Encode(clock, encodeChunks, *encodeCost/encodeChunks),
				MaxConcurrency: *encodeCap,
			},
			{
				Name:           "publish",
				Transform:      video.Publish(clock, *publishCost, *failEvery),
				MaxConcurrency: *publishCap,
				MaxAttempts:    *attempts,
			},
		},
	})
	if err != nil {
		return err
	}
	views := pipeline.NewViews(p)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("🚀 Starting pipeline: %d feeds x %d frames (caps %d/%d/%d)\n",
		*sources, *frames, *processCap, *encodeCap, *publishCap)
	started := time.Now()

	// 1. Merge every feed into one frame stream
	streams := make([]<-chan video.Frame, 0, *sources)
	for i := 0; i < *sources; i++ {
		src := video.Source{
			Name:     fmt.Sprintf("cam-%d", i+1),
			Frames:   *frames,
			Interval: *interval,
			Clock:    clock,
		}
		streams = append(streams, src.Stream(ctx))
	}
	merged := pipeline.Merge(ctx, streams...)
	if *filterEven {
		merged = pipeline.Filter(ctx, merged, video.KeepEven)
	}

	// 2. Feed the pipeline until the stream ends, then close intake
	go func() {
		for frame := range merged {
			item := model.Item{ID: frame.Key(), Payload: frame, SubmittedAt: clock.Now()}
			if err := p.Submit(item); err != nil {
				break
			}
		}
		p.Close()
	}()

	// 3. Wait for the drain in the background so the live line can render
	done := make(chan struct{})
	go func() {
		_ = views.Wait(context.Background())
		close(done)
	}()

	go func() {
		<-ctx.Done()
		select {
		case <-done:
			return
		default:
		}
		fmt.Println("\n🛑 Stopping: draining in-flight frames")
		p.Cancel()
	}()

	// 4. Redraw on a fixed cadence; the update signal just marks new data
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	width := 0
loop:
	for {
		select {
		case <-done:
			break loop
		case <-views.Updates():
		case <-ticker.C:
			width = renderLine(views.Snapshot(), width)
		}
	}
	renderLine(views.Snapshot(), width)
	fmt.Println()

	snap := views.Snapshot()
	elapsed := time.Since(started).Round(time.Millisecond)

	fmt.Printf("✅ Pipeline finished in %s\n", elapsed)
	fmt.Printf("   submitted: %d  completed: %d  failed: %d  discarded: %d\n",
		snap.Submitted, len(snap.Completed), len(snap.Failed), snap.Discarded)

	published := 0
	for _, r := range snap.Completed {
		if receipt, ok := r.Payload.(video.Receipt); ok {
			published += receipt.Bytes
		}
	}
	fmt.Printf("   published: %s across %d segments\n", utils.FormatBytes(published), len(snap.Completed))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf("   throughput: %.1f frames/sec\n", float64(len(snap.Completed)+len(snap.Failed))/secs)
	}

	for _, r := range snap.Failed {
		fmt.Printf("   💀 %s died in %s after %d attempts: %s\n", r.ItemID, r.StageName, r.Attempts, r.ErrorText())
	}
	for _, f := range snap.Faults {
		fmt.Printf("   ⚠️ fault: %s\n", f)
	}

	if *outDir != "" {
		if err := writeReport(*outDir, snap); err != nil {
			return err
		}
	}
	return nil
}

// renderLine redraws the in-place progress line and returns its width so the
// next draw can blank leftovers from a longer one.
func renderLine(snap model.Snapshot, lastWidth int) int {
	terminal := len(snap.Completed) + len(snap.Failed)
	line := fmt.Sprintf("⏳ %d/%d done | ✅ %d | ❌ %d | 🔄 %d in flight",
		terminal, snap.Submitted, len(snap.Completed), len(snap.Failed), len(snap.Active))
	if pad := lastWidth - len(line); pad > 0 {
		line += strings.Repeat(" ", pad)
	}
	fmt.Printf("\r%s", line)
	return len(line)
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func writeReport(outDir string, snap model.Snapshot) error {
	om := utils.NewOutputManager(outDir)
	runID := uuid.New().String()

	path, err := om.RunFilePath(runID, "report.json")
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	size, err := om.FileSize(path)
	if err != nil {
		return err
	}
	fmt.Printf("📄 Report written to %s (%s)\n", path, utils.FormatBytes(int(size)))
	return nil
}
