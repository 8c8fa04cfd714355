package api

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "go-video-pipeline/docs"
	"go-video-pipeline/internal/api/handler"
	"go-video-pipeline/internal/runner"
	"go-video-pipeline/internal/stream"
	"go-video-pipeline/pkg/router"
)

// RegisterRoutes wires every API endpoint onto the router.
func RegisterRoutes(r *router.Router, mgr *runner.Manager, streams *stream.Registry) {
	handler.Configure(mgr, streams)

	r.POST("/api/v1/runs", handler.CreateRun)
	r.GET("/api/v1/runs", handler.ListRuns)
	r.GET("/api/v1/runs/active", handler.ListActiveRuns)
	// More specific routes first
	r.GET("/api/v1/runs/*/errors", handler.GetRunErrors)
	r.GET("/api/v1/runs/*/results", handler.GetRunResults)
	r.GET("/api/v1/runs/*/progress", handler.GetRunProgress)
	r.GET("/api/v1/runs/*/events", handler.RunEvents)
	r.POST("/api/v1/runs/*/cancel", handler.CancelRun)
	// Generic run routes last
	r.GET("/api/v1/runs/*", handler.GetRun)
	r.DELETE("/api/v1/runs/*", handler.DeleteRun)

	r.POST("/api/v1/streams/start", handler.CreateStream)
	r.GET("/api/v1/streams", handler.ListStreams)
	r.GET("/api/v1/streams/*/info", handler.GetStream)
	r.POST("/api/v1/streams/*/stop", handler.CloseStream)
	// Generic stream route last: the live event feed
	r.GET("/api/v1/streams/*", handler.StreamEvents)

	r.GET("/healthz", handler.Health)
	r.GET("/metrics", promhttp.Handler().ServeHTTP)
	r.GET("/swagger/*", httpSwagger.WrapHandler.ServeHTTP)
}
