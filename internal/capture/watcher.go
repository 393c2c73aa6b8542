package capture

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestEvent reports a frame manifest appearing in a session directory.
type ManifestEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified"
	Time      time.Time `json:"time"`
}

// Watcher monitors a capture directory for new frame manifests.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *slog.Logger
	dir     string
	Events  chan ManifestEvent
	done    chan struct{}
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher: w,
		log:     logger,
		dir:     dir,
		Events:  make(chan ManifestEvent, 100),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching.
func (fw *Watcher) Start() error {
	if err := fw.watcher.Add(fw.dir); err != nil {
		return err
	}
	fw.log.Info("watching capture directory", "dir", fw.dir)
	go fw.processEvents()
	return nil
}

// Stop ends watching and closes Events.
func (fw *Watcher) Stop() error {
	close(fw.done)
	return fw.watcher.Close()
}

func (fw *Watcher) processEvents() {
	defer close(fw.Events)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}
			if !IsFrameManifest(event.Name) {
				continue
			}
			ev := ManifestEvent{Path: event.Name, Operation: operation, Time: time.Now()}
			select {
			case fw.Events <- ev:
			case <-fw.done:
				return
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Warn("capture watcher error", "error", err)
		case <-fw.done:
			return
		}
	}
}

// Stream emits every frame already present in the loader's directory in
// index order and, when follow is set, then frames as their manifests
// appear. The channel closes when ctx ends or, without follow, after the
// existing frames. Frames that fail to load are logged and skipped.
func Stream(ctx context.Context, l *Loader, follow bool, logger *slog.Logger) (<-chan *Frame, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var w *Watcher
	if follow {
		var err error
		if w, err = NewWatcher(l.Dir, logger); err != nil {
			return nil, err
		}
		if err := w.Start(); err != nil {
			w.Stop()
			return nil, err
		}
	}
	existing, err := ListFrames(l.Dir)
	if err != nil {
		if w != nil {
			w.Stop()
		}
		return nil, err
	}

	out := make(chan *Frame)
	go func() {
		defer close(out)
		if w != nil {
			defer w.Stop()
		}
		seen := make(map[string]bool)
		send := func(path string) bool {
			abs, _ := filepath.Abs(path)
			if seen[abs] {
				return true
			}
			f, err := l.LoadFrame(path)
			if err != nil {
				// A manifest may be observed before its writer finished;
				// a later write event retries it.
				logger.Warn("skipping frame manifest", "path", path, "error", err)
				return true
			}
			seen[abs] = true
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, p := range existing {
			if !send(p) {
				return
			}
		}
		if w == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !send(ev.Path) {
					return
				}
			}
		}
	}()
	return out, nil
}
