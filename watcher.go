package filed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/filed/internal/core"
)

// storeWatcher follows a disk store directory and feeds out-of-band file
// additions and removals into the authority, so files dropped into or pulled
// out of the directory behind the server's back still reach the registry and
// the connected clients.
type storeWatcher struct {
	fsw    *fsnotify.Watcher
	svc    *core.Service
	logger pslog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

func newStoreWatcher(dir string, svc *core.Service, logger pslog.Logger) (*storeWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &storeWatcher{
		fsw:    fsw,
		svc:    svc,
		logger: logger,
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	logger.Info("store.watch.start", "dir", dir)
	return w, nil
}

func (w *storeWatcher) run() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("store.watch.error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *storeWatcher) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	// In-flight atomic writes surface as .filed-* temp files.
	if strings.HasPrefix(name, ".filed-") {
		return
	}
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		if w.svc.AddExternal(name) {
			w.logger.Info("store.watch.add", "file", name)
		}
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		if w.svc.RemoveExternal(name) {
			w.logger.Info("store.watch.remove", "file", name)
		}
	}
}

func (w *storeWatcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
