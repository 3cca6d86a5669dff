// Package supervisor holds the worker-management seam: the controller
// interface the gateway expects a process supervisor to implement, and the
// rolling-restart algorithm used on config reload. Process spawning itself
// is left to the embedder.
package supervisor

import "fmt"

// WorkerController is implemented by the embedder. Shutdown/Spawn are
// expected to block until the operation completes or fails.
type WorkerController interface {
	Shutdown(workerID int) error
	Spawn(workerID int) error
}

// RollingReload shuts down and respawns one worker at a time. If any Spawn
// fails, the reload aborts immediately, leaving the remaining old workers
// untouched, so a bad config can never take down the whole fleet.
func RollingReload(ctrl WorkerController, workerIDs []int) error {
	for _, id := range workerIDs {
		if err := ctrl.Shutdown(id); err != nil {
			return fmt.Errorf("supervisor: shutdown worker %d: %w", id, err)
		}
		if err := ctrl.Spawn(id); err != nil {
			return fmt.Errorf("supervisor: spawn replacement for worker %d: %w", id, err)
		}
	}
	return nil
}
