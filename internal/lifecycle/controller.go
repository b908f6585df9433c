// Package lifecycle owns the sync session: it starts and stops the
// monitors, feeds their emissions through the reconciliation engine under
// one mutex, hands the resulting actions to the orchestrator, and reacts
// to application state, settings toggles and fatal errors.
package lifecycle

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kirylkaveryn/organicmaps/internal/engine"
	"github.com/kirylkaveryn/organicmaps/internal/logging"
	"github.com/kirylkaveryn/organicmaps/internal/metrics"
	"github.com/kirylkaveryn/organicmaps/internal/models"
	"github.com/kirylkaveryn/organicmaps/internal/monitor"
	"github.com/kirylkaveryn/organicmaps/internal/syncerr"
)

// State is the controller's coarse state.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Settings is the consumed settings surface.
type Settings interface {
	SyncEnabled() bool
}

// Extender models the platform's background-execution extension. Begin
// requests extra background time and returns a cancel function; onExpire
// runs if the platform reclaims the extension first.
type Extender interface {
	Begin(onExpire func()) (cancel func())
}

// BookmarkNotifier delivers application-side bookmark change signals.
type BookmarkNotifier interface {
	Subscribe(onChange func())
	Unsubscribe()
}

// Submitter is the orchestrator surface the controller needs.
type Submitter interface {
	Submit(actions []engine.Action)
	InProgress() bool
}

// Config wires a Controller.
type Config struct {
	Local     monitor.Monitor
	Cloud     monitor.CloudCapable
	Orch      Submitter
	Settings  Settings
	Extender  Extender
	Bookmarks BookmarkNotifier

	// InitialSyncDone seeds the engine state from persisted preferences.
	InitialSyncDone bool
}

// Controller drives the sync session lifecycle.
type Controller struct {
	cfg Config

	// engineMu serializes engine access: monitor callbacks arrive on
	// arbitrary goroutines and the state machine must never re-enter.
	engineMu sync.Mutex
	st       *engine.State

	// stateMu serializes transitions; state itself is read atomically
	// because monitors deliver events synchronously from Start/Resume,
	// while the transition lock is still held.
	stateMu         sync.Mutex
	state           atomic.Int32
	cancelExtension func()
}

// New creates a stopped controller.
func New(cfg Config) *Controller {
	return &Controller{
		cfg: cfg,
		st:  engine.NewState(cfg.InitialSyncDone),
	}
}

// Attach supplies the monitors. Separate from New because the monitors
// deliver their events to the controller itself, so they are constructed
// with the controller as their sink. Must be called before Start.
func (c *Controller) Attach(local monitor.Monitor, cloudMon monitor.CloudCapable) {
	c.cfg.Local = local
	c.cfg.Cloud = cloudMon
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Start brings the session up: cloud monitor first, then local monitor,
// then the bookmark-change subscription. Fails when the cloud replica is
// unavailable.
func (c *Controller) Start() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	switch State(c.state.Load()) {
	case Running:
		return nil
	case Paused:
		c.resumeLocked()
		return nil
	}

	if !c.cfg.Cloud.Available() {
		return syncerr.Newf(syncerr.KindCloudUnavailable, "cloud replica unavailable")
	}

	// Running is published before the monitors come up: they deliver
	// their initial gather synchronously from Start, and dispatch drops
	// events while the controller reads as stopped.
	c.state.Store(int32(Running))
	if err := c.cfg.Cloud.Start(); err != nil {
		c.state.Store(int32(Stopped))
		return syncerr.Classify(err)
	}
	if err := c.cfg.Local.Start(); err != nil {
		c.cfg.Cloud.Stop()
		c.state.Store(int32(Stopped))
		return syncerr.Classify(err)
	}
	if c.cfg.Bookmarks != nil {
		c.cfg.Bookmarks.Subscribe(c.onBookmarksChanged)
	}

	logging.L().Info("sync started")
	return nil
}

// Stop tears the session down and resets the engine. Pending actions are
// not cancelled; the monitors just stop feeding new events.
func (c *Controller) Stop() {
	c.stateMu.Lock()
	if State(c.state.Load()) == Stopped {
		c.stateMu.Unlock()
		return
	}
	c.state.Store(int32(Stopped))
	c.cancelExtensionLocked()
	c.stateMu.Unlock()

	c.cfg.Local.Stop()
	c.cfg.Cloud.Stop()
	if c.cfg.Bookmarks != nil {
		c.cfg.Bookmarks.Unsubscribe()
	}

	c.engineMu.Lock()
	c.st.Resolve(engine.Reset{})
	c.engineMu.Unlock()

	logging.L().Info("sync stopped")
}

// Pause suppresses monitor updates and drops the bookmark subscription.
func (c *Controller) Pause() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.pauseLocked()
}

func (c *Controller) pauseLocked() {
	if State(c.state.Load()) != Running {
		return
	}
	c.cfg.Local.Pause()
	c.cfg.Cloud.Pause()
	if c.cfg.Bookmarks != nil {
		c.cfg.Bookmarks.Unsubscribe()
	}
	c.state.Store(int32(Paused))
	logging.L().Info("sync paused")
}

// Resume re-enables monitors and the bookmark subscription.
func (c *Controller) Resume() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.resumeLocked()
}

func (c *Controller) resumeLocked() {
	if State(c.state.Load()) != Paused {
		return
	}
	c.cfg.Local.Resume()
	c.cfg.Cloud.Resume()
	if c.cfg.Bookmarks != nil {
		c.cfg.Bookmarks.Subscribe(c.onBookmarksChanged)
	}
	c.state.Store(int32(Running))
	logging.L().Info("sync resumed")
}

// OnAppDidBecomeActive cancels any background extension and brings sync up
// when the setting allows it.
func (c *Controller) OnAppDidBecomeActive() {
	c.stateMu.Lock()
	c.cancelExtensionLocked()
	c.stateMu.Unlock()

	if c.cfg.Settings != nil && !c.cfg.Settings.SyncEnabled() {
		return
	}
	if err := c.Start(); err != nil {
		logging.L().Warn("start on activation failed", zap.Error(err))
	}
}

// OnAppDidEnterBackground pauses immediately unless a batch is in flight,
// in which case it requests extended background execution; expiration
// pauses the monitors and releases the extension.
func (c *Controller) OnAppDidEnterBackground() {
	if c.cfg.Orch.InProgress() && c.cfg.Extender != nil {
		c.stateMu.Lock()
		c.cancelExtension = c.cfg.Extender.Begin(func() {
			c.stateMu.Lock()
			c.pauseLocked()
			c.cancelExtensionLocked()
			c.stateMu.Unlock()
		})
		c.stateMu.Unlock()
		return
	}
	c.Pause()
}

// OnSyncEnabledChanged reacts to the settings toggle.
func (c *Controller) OnSyncEnabledChanged(enabled bool) {
	if enabled {
		if err := c.Start(); err != nil {
			logging.L().Warn("start on toggle failed", zap.Error(err))
		}
		return
	}
	c.Stop()
}

// HandleError is the central error handler: fatal kinds stop the session,
// the rest are logged and left to the next observation.
func (c *Controller) HandleError(err error) {
	if err == nil {
		return
	}
	kind := syncerr.KindOf(err)
	if kind.Fatal() {
		logging.L().Error("fatal sync error", zap.String("kind", kind.String()), zap.Error(err))
		c.Stop()
		return
	}
	logging.L().Warn("sync error", zap.String("kind", kind.String()), zap.Error(err))
}

func (c *Controller) cancelExtensionLocked() {
	if c.cancelExtension != nil {
		c.cancelExtension()
		c.cancelExtension = nil
	}
}

func (c *Controller) onBookmarksChanged() {
	c.cfg.Local.Refresh()
}

// dispatch feeds one event through the engine and submits the actions.
// Events arriving after Stop are dropped: the engine was reset and a late
// monitor callback must not repopulate it.
func (c *Controller) dispatch(ev engine.Event) {
	if c.State() == Stopped {
		return
	}

	c.engineMu.Lock()
	actions := c.st.Resolve(ev)
	c.engineMu.Unlock()

	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name()
	}
	metrics.RecordReconcilePass(ev.Name(), names)

	if len(actions) > 0 {
		logging.L().Debug("reconcile pass",
			zap.String("event", ev.Name()),
			zap.Strings("actions", names))
		c.cfg.Orch.Submit(actions)
	}
}

// Monitor sink implementations. Callbacks arrive on arbitrary goroutines;
// dispatch serializes them.

func (c *Controller) LocalFinishedGathering(inv models.LocalInventory) {
	c.dispatch(engine.FinishedGatheringLocal{Inventory: inv})
}

func (c *Controller) LocalUpdated(inv models.LocalInventory) {
	c.dispatch(engine.UpdatedLocal{Inventory: inv})
}

func (c *Controller) LocalFailed(err error) {
	metrics.RecordMonitorError("local", syncerr.KindOf(err).String())
	c.dispatch(engine.MonitorFailed{Err: err})
}

func (c *Controller) CloudFinishedGathering(inv models.CloudInventory) {
	c.dispatch(engine.FinishedGatheringCloud{Inventory: inv})
}

func (c *Controller) CloudUpdated(inv models.CloudInventory) {
	c.dispatch(engine.UpdatedCloud{Inventory: inv})
}

func (c *Controller) CloudFailed(err error) {
	metrics.RecordMonitorError("cloud", syncerr.KindOf(err).String())
	c.dispatch(engine.MonitorFailed{Err: err})
}
