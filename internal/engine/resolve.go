package engine

import (
	"sort"

	"github.com/kirylkaveryn/organicmaps/internal/models"
)

// Resolve consumes one event, mutates the state, and returns the actions
// that converge the two sides. The output order is deterministic: names
// are processed sorted, removals trail creations and updates, and in the
// initial both-sides pass the cloud-to-local actions precede the
// local-to-cloud ones.
func (s *State) Resolve(ev Event) []Action {
	switch e := ev.(type) {
	case FinishedGatheringLocal:
		s.LastLocal = e.Inventory.Clone()
		s.LocalGathered = true
		if s.CloudGathered {
			return s.initialReconcile()
		}
		return nil

	case FinishedGatheringCloud:
		s.LastCloud = e.Inventory.Clone()
		s.CloudGathered = true
		if s.LocalGathered {
			return s.initialReconcile()
		}
		return nil

	case UpdatedCloud:
		actions := s.reconcileCloudToLocal(e.Inventory)
		s.LastCloud = e.Inventory.Clone()
		return actions

	case UpdatedLocal:
		actions := s.reconcileLocalToCloud(e.Inventory)
		s.LastLocal = e.Inventory.Clone()
		return actions

	case MonitorFailed:
		return []Action{ReportError{Err: e.Err}}

	case Reset:
		s.LastLocal = models.LocalInventory{}
		s.LastCloud = models.CloudInventory{}
		s.LocalGathered = false
		s.CloudGathered = false
		return nil
	}
	return nil
}

// initialReconcile runs once both initial scans have arrived. The shape of
// the pass depends on which sides are empty; a cloud side holding nothing
// but trash counts as empty, so tombstones alone never trigger collision
// protection.
func (s *State) initialReconcile() []Action {
	cloudLive := 0
	for _, ci := range s.LastCloud {
		if !ci.InTrash {
			cloudLive++
		}
	}

	switch {
	case len(s.LastLocal) == 0 && cloudLive == 0:
		return nil

	case len(s.LastLocal) == 0:
		var actions []Action
		for _, name := range sortedCloudNames(s.LastCloud) {
			ci := s.LastCloud[name]
			if ci.InTrash {
				continue
			}
			if ci.Downloaded {
				actions = append(actions, CreateLocal{Item: ci})
			} else {
				actions = append(actions, StartDownload{Item: ci})
			}
		}
		return actions

	case cloudLive == 0:
		var actions []Action
		for _, name := range sortedLocalNames(s.LastLocal) {
			actions = append(actions, CreateCloud{Item: s.LastLocal[name]})
		}
		return actions
	}

	if s.InitialSyncDone {
		actions := s.reconcileCloudToLocal(s.LastCloud)
		actions = append(actions, s.reconcileLocalToCloud(s.LastLocal)...)
		return actions
	}

	// First-ever sync with independent histories on both sides: preserve
	// every local file under a device-suffixed copy, let the cloud win the
	// shared names, and remember that collision protection has run.
	var actions []Action
	for _, name := range sortedLocalNames(s.LastLocal) {
		actions = append(actions, ResolveInitialCollision{Item: s.LastLocal[name]})
	}
	actions = append(actions, s.reconcileCloudToLocal(s.LastCloud)...)
	s.InitialSyncDone = true
	actions = append(actions, InitialSyncCompleted{})
	return actions
}

// reconcileCloudToLocal diffs a cloud inventory against the stored local
// one. Trashed items only ever remove; items not yet materialized request
// a download instead of a write.
func (s *State) reconcileCloudToLocal(cloudInv models.CloudInventory) []Action {
	var writes, removes []Action

	for _, name := range sortedCloudNames(cloudInv) {
		ci := cloudInv[name]
		li, haveLocal := s.LastLocal[name]

		if ci.InTrash {
			if haveLocal {
				removes = append(removes, RemoveLocal{Item: ci})
			}
			continue
		}

		switch {
		case !haveLocal:
			if ci.Downloaded {
				writes = append(writes, CreateLocal{Item: ci})
			} else {
				writes = append(writes, StartDownload{Item: ci})
			}
		case models.ModAfter(ci.Modified, li.Modified):
			if ci.Downloaded {
				writes = append(writes, UpdateLocal{Item: ci})
			} else {
				writes = append(writes, StartDownload{Item: ci})
			}
		}
	}

	return append(writes, removes...)
}

// reconcileLocalToCloud diffs a fresh local inventory against the stored
// local one (for deletions) and the stored cloud one (for creations and
// updates).
func (s *State) reconcileLocalToCloud(localInv models.LocalInventory) []Action {
	var writes, removes []Action

	for _, name := range sortedLocalNames(localInv) {
		li := localInv[name]
		ci, haveCloud := s.LastCloud[name]

		switch {
		case !haveCloud:
			writes = append(writes, CreateCloud{Item: li})
		case !ci.InTrash && models.ModAfter(li.Modified, ci.Modified):
			writes = append(writes, UpdateCloud{Item: li})
		}
	}

	for _, name := range sortedLocalNames(s.LastLocal) {
		if _, still := localInv[name]; !still {
			removes = append(removes, RemoveCloud{Item: s.LastLocal[name]})
		}
	}

	return append(writes, removes...)
}

func sortedLocalNames(inv models.LocalInventory) []string {
	names := make([]string, 0, len(inv))
	for name := range inv {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedCloudNames(inv models.CloudInventory) []string {
	names := make([]string, 0, len(inv))
	for name := range inv {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
