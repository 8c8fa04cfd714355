package handler

import (
	"go-video-pipeline/internal/runner"
	"go-video-pipeline/internal/stream"
)

var (
	mgr     *runner.Manager
	streams *stream.Registry
)

// Configure wires the handlers to the run manager and stream registry.
// Call it once before registering routes.
func Configure(m *runner.Manager, s *stream.Registry) {
	mgr = m
	streams = s
}
