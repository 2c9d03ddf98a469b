package workers

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch terminates bridges whose local source file changes, until ctx is
// done. Persistent bridges are respawned; temporary ones spawn again on
// their next request.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		r.mu.Lock()
		if r.watcher == w {
			r.watcher = nil
		}
		r.mu.Unlock()
		_ = w.Close()
	}()

	r.mu.Lock()
	r.watcher = w
	bridges := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.Unlock()
	for _, b := range bridges {
		r.watchSource(b)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := ev.Name
			if abs, err := filepath.Abs(name); err == nil {
				name = abs
			}
			r.sourceChanged(name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.DebugContext(ctx, "worker.watch.error", slog.String("err", err.Error()))
		}
	}
}

// watchSource adds the directory of b's source file to the active watcher.
func (r *Registry) watchSource(b *Bridge) {
	file := b.Source().File
	if file == "" {
		return
	}
	r.mu.Lock()
	w := r.watcher
	r.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Add(filepath.Dir(file)); err != nil {
		r.log.DebugContext(b.ctx, "worker.watch.add.fail", slog.String("err", err.Error()))
	}
}

func (r *Registry) sourceChanged(file string) {
	r.mu.Lock()
	var hit []*Bridge
	for _, b := range r.bridges {
		if b.Source().File == file {
			hit = append(hit, b)
		}
	}
	r.mu.Unlock()

	for _, b := range hit {
		r.log.InfoContext(b.ctx, "worker.source.changed", slog.String("file", file))
		b.Terminate(StatusTerminated, "Worker Source Changed")
		if !b.Temporary() {
			if _, err := r.spawn(b.id, false); err != nil {
				r.log.WarnContext(b.ctx, "worker.respawn.fail", slog.String("err", err.Error()))
			}
		}
	}
}
