package video

import (
	"fmt"
	"time"
)

// ------------------- Frame Types -------------------

// Frame is one raw frame as a capture source hands it off.
type Frame struct {
	Index    int               `json:"index"`
	Source   string            `json:"source"`
	Data     []byte            `json:"-"`
	Captured time.Time         `json:"captured_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewFrame builds a synthetic frame for the given feed position.
func NewFrame(source string, index int, captured time.Time) Frame {
	return Frame{
		Index:    index,
		Source:   source,
		Data:     fmt.Appendf(nil, "frame-%s-%06d", source, index),
		Captured: captured,
		Metadata: map[string]string{
			"resolution": "1920x1080",
			"fps":        "30",
		},
	}
}

// Key is the stable identifier a frame carries through the pipeline.
func (f Frame) Key() string {
	return fmt.Sprintf("%s/%06d", f.Source, f.Index)
}

// ProcessedFrame is the analysis stage output for a single frame.
type ProcessedFrame struct {
	Frame    Frame         `json:"frame"`
	Data     []byte        `json:"-"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Analyzer string        `json:"analyzer"`
}

// EncodedSegment is the encode stage output, a synthetic compressed unit.
type EncodedSegment struct {
	Frame   Frame         `json:"frame"`
	Payload []byte        `json:"-"`
	Codec   string        `json:"codec"`
	Ratio   float64       `json:"compression_ratio"`
	Chunks  int           `json:"chunks"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Receipt records where a published segment ended up.
type Receipt struct {
	Frame       Frame     `json:"frame"`
	Location    string    `json:"location"`
	Bytes       int       `json:"bytes"`
	PublishedAt time.Time `json:"published_at"`
}
