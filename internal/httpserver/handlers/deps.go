package handlers

import (
	"time"

	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/version"
)

// Snapshotter describes the fleet for the admin surface.
type Snapshotter interface {
	Snapshot() []codec.Document
}

// Deps are the dependencies of the admin handlers.
type Deps struct {
	Logger       logger.Logger
	StartTime    time.Time
	Build        version.Info
	Ready        func() bool
	Metrics      *gometrics.InmemSink
	Fleet        Snapshotter
	AllowedCIDRS []string
}
