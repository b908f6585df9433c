package engine

import "github.com/kirylkaveryn/organicmaps/internal/models"

// Action is one unit of outgoing work produced by a reconciliation pass.
// Actions carry the observed item snapshot they were derived from; the
// orchestrator re-validates nothing and relies on the next observation to
// correct any drift.
type Action interface {
	// Name is the stable identifier used in logs and metrics.
	Name() string
}

// CreateLocal writes a downloaded cloud item into the local directory.
type CreateLocal struct {
	Item models.CloudItem
}

// UpdateLocal overwrites an existing local file with newer cloud bytes.
type UpdateLocal struct {
	Item models.CloudItem
}

// RemoveLocal deletes the local file shadowed by a trashed cloud item.
type RemoveLocal struct {
	Item models.CloudItem
}

// StartDownload asks the platform to materialize cloud bytes locally.
type StartDownload struct {
	Item models.CloudItem
}

// CreateCloud uploads a new local file to the cloud replica.
type CreateCloud struct {
	Item models.LocalItem
}

// UpdateCloud overwrites the cloud object with newer local bytes.
type UpdateCloud struct {
	Item models.LocalItem
}

// RemoveCloud moves the cloud object into the replica's trash directory.
type RemoveCloud struct {
	Item models.LocalItem
}

// ResolveVersionConflict settles multiple unresolved cloud versions.
type ResolveVersionConflict struct {
	Item models.CloudItem
}

// ResolveInitialCollision preserves a local file's independent history
// under a device-suffixed copy during the first-ever sync.
type ResolveInitialCollision struct {
	Item models.LocalItem
}

// InitialSyncCompleted signals that the first-ever reconciliation finished
// and the persisted flag must be set.
type InitialSyncCompleted struct{}

// ReportError forwards a monitor failure to the error handler.
type ReportError struct {
	Err error
}

func (CreateLocal) Name() string             { return "create_local" }
func (UpdateLocal) Name() string             { return "update_local" }
func (RemoveLocal) Name() string             { return "remove_local" }
func (StartDownload) Name() string           { return "start_download" }
func (CreateCloud) Name() string             { return "create_cloud" }
func (UpdateCloud) Name() string             { return "update_cloud" }
func (RemoveCloud) Name() string             { return "remove_cloud" }
func (ResolveVersionConflict) Name() string  { return "resolve_version_conflict" }
func (ResolveInitialCollision) Name() string { return "resolve_initial_collision" }
func (InitialSyncCompleted) Name() string    { return "initial_sync_completed" }
func (ReportError) Name() string             { return "report_error" }
