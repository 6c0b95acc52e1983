package daemon

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// startWatcher opens an fsnotify watch on the session base directory
// so a write to cmd.txt or pause.txt can shorten the idle-poll sleep
// in Run. This is purely a wake hint: the poll-based drain in
// checkCommands/checkPause remains the source of truth, so a missed,
// coalesced, or unsupported-platform watch never causes a missed
// command or a stuck pause — it only makes the common case faster
// than the ~1ms poll slice.
func (d *Daemon) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("fsnotify unavailable, falling back to poll-only: " + err.Error())
		return
	}
	if err := w.Add(d.opts.BaseDir); err != nil {
		d.logger.Warn("fsnotify watch on " + d.opts.BaseDir + " failed: " + err.Error())
		w.Close()
		return
	}
	d.watcher = w
}

// drainWatcherEvents waits up to the given budget for a filesystem
// event, returning true if one arrived. It never blocks longer than
// budget and never errors: a watcher error is logged once and then
// the watcher is torn down, reverting to plain polling.
func (d *Daemon) drainWatcherEvents(budget time.Duration) bool {
	if d.watcher == nil {
		return false
	}
	select {
	case _, ok := <-d.watcher.Events:
		if !ok {
			d.watcher = nil
		}
		return ok
	case err, ok := <-d.watcher.Errors:
		if ok {
			d.logger.Warn("fsnotify error, reverting to poll-only: " + err.Error())
		}
		d.watcher.Close()
		d.watcher = nil
		return false
	case <-time.After(budget):
		return false
	}
}

func (d *Daemon) stopWatcher() {
	if d.watcher != nil {
		d.watcher.Close()
		d.watcher = nil
	}
}
