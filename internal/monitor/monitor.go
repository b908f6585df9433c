// Package monitor observes the two sides of the sync and delivers complete
// inventories to a sink. Monitors own deduplication and burst coalescing;
// the engine only ever sees full snapshots.
package monitor

import (
	"context"

	"github.com/kirylkaveryn/organicmaps/internal/models"
)

// LocalSink receives local monitor emissions. FinishedGathering fires
// exactly once per Start; every Updated carries the complete current
// inventory, not a delta. Calls may arrive on arbitrary goroutines.
type LocalSink interface {
	LocalFinishedGathering(models.LocalInventory)
	LocalUpdated(models.LocalInventory)
	LocalFailed(error)
}

// CloudSink mirrors LocalSink for the cloud side.
type CloudSink interface {
	CloudFinishedGathering(models.CloudInventory)
	CloudUpdated(models.CloudInventory)
	CloudFailed(error)
}

// Monitor is the lifecycle surface shared by both sides.
type Monitor interface {
	Start() error
	Stop()
	Pause()
	Resume()

	// Refresh forces a re-observation outside the regular cadence, e.g.
	// when the application reports that it rewrote bookmark files.
	Refresh()
}

// CloudCapable extends Monitor with the cloud-only surface.
type CloudCapable interface {
	Monitor

	Available() bool
	Started() bool
	Paused() bool
	ContainerURL(ctx context.Context) (string, error)
}
