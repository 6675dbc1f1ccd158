package heartbeat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tgifai/relay/internal/pkg/logs"
)

func statOrNil(path string) os.FileInfo {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return info
}

func (s *Scheduler) rememberFileLocked(info os.FileInfo) {
	if info == nil {
		s.fileMod, s.fileSize, s.fileKnown = time.Time{}, 0, false
		return
	}
	s.fileMod, s.fileSize, s.fileKnown = info.ModTime(), info.Size(), true
}

func (s *Scheduler) fileChangedLocked(info os.FileInfo) bool {
	if info == nil {
		return s.fileKnown
	}
	return !s.fileKnown || !info.ModTime().Equal(s.fileMod) || info.Size() != s.fileSize
}

// reloadIfChanged reparses the definitions file when its modification time
// moved. A file that fails to parse leaves the current definitions in place
// until it changes again.
func (s *Scheduler) reloadIfChanged(ctx context.Context) {
	info := statOrNil(s.opts.DefinitionsPath)

	s.mu.Lock()
	changed := s.fileChangedLocked(info)
	if changed {
		s.rememberFileLocked(info)
	}
	s.mu.Unlock()
	if !changed {
		return
	}

	defs, err := LoadDefinitions(s.opts.DefinitionsPath)
	if err != nil {
		logs.CtxWarn(ctx, "[heartbeat] reload skipped: %v", err)
		return
	}

	s.mu.Lock()
	added, removed, updated := s.reconcileLocked(defs, s.now())
	s.mu.Unlock()

	logs.CtxInfo(ctx, "[heartbeat] reloaded %s: added=%d removed=%d updated=%d",
		s.opts.DefinitionsPath, added, removed, updated)
}

// reconcileLocked merges a freshly parsed definition set into live state.
// Running entries keep their state; their removal or replacement is applied
// when the run finishes.
func (s *Scheduler) reconcileLocked(defs map[string]*Definition, now time.Time) (added, removed, updated int) {
	for name, e := range s.entries {
		if _, ok := defs[name]; ok {
			continue
		}
		removed++
		if e.status == StatusRunning {
			e.removed = true
			continue
		}
		delete(s.entries, name)
		s.state.drop(name)
	}

	for name, def := range defs {
		e, ok := s.entries[name]
		if !ok {
			e = &entry{def: def}
			if rec, ok := s.state.get(name); ok {
				e.lastRun = rec.LastRun
				e.lastDone = rec.LastCompleted
				e.lastDuration = time.Duration(rec.LastDurationMS) * time.Millisecond
				e.runCount = rec.RunCount
				e.lastError = rec.LastError
				e.sessionID = rec.SessionID
			}
			e.schedule(now)
			s.entries[name] = e
			added++
			continue
		}

		e.removed = false
		if e.status == StatusRunning {
			e.pending = def
			updated++
			continue
		}
		old := e.def
		e.def = def
		if !sameSchedule(old, def) {
			e.schedule(now)
		}
		if !def.Persistent {
			e.sessionID = ""
		}
		updated++
	}
	return added, removed, updated
}

// watch wakes the loop when the definitions file is written or replaced.
// The directory is watched so editors that rename over the file are seen.
func (s *Scheduler) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.opts.DefinitionsPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.opts.DefinitionsPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					logs.CtxDebug(ctx, "[heartbeat] %s: %s", ev.Op, ev.Name)
					s.wake()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logs.CtxWarn(ctx, "[heartbeat] watcher: %v", err)
			}
		}
	}()
	return nil
}
