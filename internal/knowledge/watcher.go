package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mathmentor/internal/logging"
)

// DefaultDebounce is the quiet period before a rebuild.
const DefaultDebounce = 500 * time.Millisecond

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("knowledge watcher failed")

// Watcher rebuilds a Base whenever documents under its directory change.
type Watcher struct {
	base     *Base
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *logging.Logger

	rebuilds chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Watch starts watching dir and returns the running watcher. A
// non-positive debounce uses DefaultDebounce. The watcher stops when ctx
// is canceled or Stop is called.
func (b *Base) Watch(ctx context.Context, dir string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	w := &Watcher{
		base:     b,
		dir:      dir,
		debounce: debounce,
		watcher:  fw,
		logger:   b.logger.Named("watcher"),
		rebuilds: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if err := w.addRecursive(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	w.wg.Add(1)
	go w.processEvents(ctx)
	return w, nil
}

// Rebuilds signals after each completed rebuild. Signals are coalesced.
func (w *Watcher) Rebuilds() <-chan struct{} { return w.rebuilds }

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if isDir(event.Name) {
					_ = w.addRecursive(event.Name)
				}
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.rebuild(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "knowledge watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	if isDocumentFile(event.Name) {
		return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
	}
	// A removed or renamed directory may have held documents.
	return event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func (w *Watcher) rebuild(ctx context.Context) {
	n, err := w.base.IngestDir(ctx, w.dir)
	if err != nil {
		w.logger.Error(ctx, "knowledge rebuild failed", zap.String("dir", w.dir), zap.Error(err))
		return
	}
	w.logger.Info(ctx, "knowledge rebuilt from disk", zap.String("dir", w.dir), zap.Int("chunks", n))
	select {
	case w.rebuilds <- struct{}{}:
	default:
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
