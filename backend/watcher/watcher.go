package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andi/reelflow/backend/scanner"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher monitors the inbox directory and imports project files as they appear
type Watcher struct {
	dir      string
	scanner  *scanner.Scanner
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// New creates a new inbox watcher
func New(dir string, scan *scanner.Scanner, logger zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dir:      dir,
		scanner:  scan,
		watcher:  fsWatcher,
		debounce: defaultDebounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// SetDebounce changes how long a file must stay quiet before it is imported
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start imports what is already in the inbox and then watches it
func (w *Watcher) Start() error {
	absDir, err := filepath.Abs(w.dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return err
	}
	w.dir = absDir

	if err := w.watcher.Add(absDir); err != nil {
		return err
	}

	result, err := w.scanner.ScanDir(w.ctx, absDir)
	if err != nil {
		w.logger.Warn().Err(err).Msg("initial inbox scan failed")
	} else {
		for _, scanErr := range result.Errors {
			w.logger.Warn().Err(scanErr).Msg("inbox file rejected")
		}
		w.logger.Info().Int("scanned", result.FilesScanned).Int("imported", len(result.Imported)).Msg("inbox scanned")
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Info().Str("dir", absDir).Msg("inbox watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.watcher.Close()
	w.wg.Wait()

	w.timersMu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.timersMu.Unlock()
	w.logger.Info().Msg("inbox watcher stopped")
}

// processEvents processes file system events
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !scanner.IsProjectFile(event.Name) {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// schedule imports the file once it has been quiet for the debounce interval
func (w *Watcher) schedule(path string) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, exists := w.timers[path]; exists {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, path)
		w.timersMu.Unlock()
		w.importFile(path)
	})
}

func (w *Watcher) importFile(path string) {
	if w.ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	project, err := w.scanner.ImportFile(w.ctx, path)
	if err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("failed to import project file")
		return
	}
	if project != nil {
		w.logger.Info().Str("file", path).Str("project", project.ID).Msg("inbox file imported")
	}
}
