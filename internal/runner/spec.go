package runner

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"go-video-pipeline/internal/model"
	"go-video-pipeline/internal/pipeline"
	"go-video-pipeline/internal/video"
	"go-video-pipeline/pkg/utils"
)

// ------------------- Run Spec Defaults -------------------

const (
	defaultFrames      = 20
	defaultProcessCost = 30 * time.Millisecond
	defaultEncodeCost  = 40 * time.Millisecond
	defaultPublishCost = 25 * time.Millisecond

	encodeChunks = 4
)

// normalizeSpec fills the demo defaults so an empty POST body still runs a
// meaningful two-camera pipeline.
func normalizeSpec(spec model.RunSpec) model.RunSpec {
	if len(spec.Sources) == 0 {
		spec.Sources = []model.SourceSpec{
			{Name: "cam-1", Frames: defaultFrames, Interval: "15ms"},
			{Name: "cam-2", Frames: defaultFrames, Interval: "15ms"},
		}
	}
	for i := range spec.Sources {
		if spec.Sources[i].Name == "" {
			spec.Sources[i].Name = fmt.Sprintf("cam-%d", i+1)
		}
		if spec.Sources[i].Frames == 0 {
			spec.Sources[i].Frames = defaultFrames
		}
	}
	if len(spec.Stages) == 0 {
		spec.Stages = defaultStages()
	}
	return spec
}

func defaultStages() []model.StageTuning {
	return []model.StageTuning{
		{Name: "process", MaxConcurrency: 3, MaxAttempts: 1},
		{Name: "encode", MaxConcurrency: 2, MaxAttempts: 1},
		{Name: "publish", MaxConcurrency: 2, MaxAttempts: 3},
	}
}

func defaultCost(stage string) time.Duration {
	switch stage {
	case "encode":
		return defaultEncodeCost
	case "publish":
		return defaultPublishCost
	default:
		return defaultProcessCost
	}
}

// transformFor resolves a stage name to its video transform.
func transformFor(clock clockwork.Clock, name string, cost time.Duration, failEvery int) (pipeline.Transform, error) {
	switch name {
	case "process":
		return video.Process(clock, cost), nil
	case "encode":
		return video.Encode(clock, encodeChunks, cost/encodeChunks), nil
	case "publish":
		return video.Publish(clock, cost, failEvery), nil
	}
	return nil, &pipeline.ConfigError{Field: "stages", Reason: fmt.Sprintf("unknown stage %q", name)}
}

// pipelineConfig builds the full pipeline configuration for a run.
func pipelineConfig(spec model.RunSpec, base Config) (pipeline.Config, error) {
	stages := make([]pipeline.StageSpec, 0, len(spec.Stages))
	for _, tuning := range spec.Stages {
		cost := utils.ParseDuration(tuning.Cost, defaultCost(tuning.Name))
		transform, err := transformFor(base.Clock, tuning.Name, cost, spec.FailEvery)
		if err != nil {
			return pipeline.Config{}, err
		}
		stages = append(stages, pipeline.StageSpec{
			Name:           tuning.Name,
			Transform:      transform,
			MaxConcurrency: tuning.MaxConcurrency,
			MaxAttempts:    tuning.MaxAttempts,
		})
	}

	cfg := pipeline.Config{
		Logger:     base.Logger,
		Clock:      base.Clock,
		Stages:     stages,
		BufferSize: spec.BufferSize,
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}
