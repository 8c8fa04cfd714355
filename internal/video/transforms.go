package video

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"go-video-pipeline/internal/model"
	"go-video-pipeline/internal/pipeline"
)

// ------------------- Stage Transforms -------------------

const processSteps = 4

// Process builds the analysis stage: it burns cost of simulated CPU time
// per frame and reports progress as it goes.
func Process(clock clockwork.Clock, cost time.Duration) pipeline.Transform {
	return func(ctx context.Context, item model.Item, report func(float64)) (any, error) {
		frame, ok := item.Payload.(Frame)
		if !ok {
			return nil, backoff.Permanent(fmt.Errorf("process: unexpected payload %T", item.Payload))
		}
		start := clock.Now()
		for step := 1; step <= processSteps; step++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-clock.After(cost / processSteps):
			}
			report(float64(step) / processSteps * 100)
		}
		return ProcessedFrame{
			Frame:    frame,
			Data:     bytes.Repeat(frame.Data, 2),
			Elapsed:  clock.Since(start),
			Analyzer: "motion-v2",
		}, nil
	}
}

// Encode builds the encode stage: chunks copies of simulated codec work,
// one progress report per finished chunk.
func Encode(clock clockwork.Clock, chunks int, perChunk time.Duration) pipeline.Transform {
	if chunks < 1 {
		chunks = 1
	}
	return func(ctx context.Context, item model.Item, report func(float64)) (any, error) {
		pf, ok := item.Payload.(ProcessedFrame)
		if !ok {
			return nil, backoff.Permanent(fmt.Errorf("encode: unexpected payload %T", item.Payload))
		}
		start := clock.Now()
		for chunk := 1; chunk <= chunks; chunk++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-clock.After(perChunk):
			}
			report(float64(chunk) / float64(chunks) * 100)
		}
		payload := pf.Data[:(len(pf.Data)+1)/2]
		ratio := float64(len(pf.Data)) / float64(len(payload))
		return EncodedSegment{
			Frame:   pf.Frame,
			Payload: payload,
			Codec:   "h264-sim",
			Ratio:   ratio,
			Chunks:  chunks,
			Elapsed: clock.Since(start),
		}, nil
	}
}

// Publish builds the upload stage. failEvery > 0 rejects every Nth frame
// of each feed, which is how demo runs exercise the failure path; the
// rejection is transient, so stages configured with retries recover the
// frame and stages without them surface it as failed.
func Publish(clock clockwork.Clock, cost time.Duration, failEvery int) pipeline.Transform {
	return func(ctx context.Context, item model.Item, report func(float64)) (any, error) {
		seg, ok := item.Payload.(EncodedSegment)
		if !ok {
			return nil, backoff.Permanent(fmt.Errorf("publish: unexpected payload %T", item.Payload))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clock.After(cost):
		}
		if failEvery > 0 && (seg.Frame.Index+1)%failEvery == 0 {
			return nil, fmt.Errorf("publish %s: simulated uplink rejection", seg.Frame.Key())
		}
		report(100)
		return Receipt{
			Frame:       seg.Frame,
			Location:    fmt.Sprintf("mem://segments/%s/%06d.seg", seg.Frame.Source, seg.Frame.Index),
			Bytes:       len(seg.Payload),
			PublishedAt: clock.Now(),
		}, nil
	}
}

// KeepEven is the demo decimation filter: it keeps frames with even
// indices and drops the rest before submission.
func KeepEven(f Frame) bool { return f.Index%2 == 0 }
