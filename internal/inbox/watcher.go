// Package inbox watches a folder for dropped photos and submits them for
// upload. Submitted files are moved to processed/, rejected ones to rejected/.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
	syncpkg "github.com/kimhsiao/fieldmap/backend/internal/sync"
)

const (
	// ProcessedDir receives files that were accepted by the engine.
	ProcessedDir = "processed"
	// RejectedDir receives files the engine refused as invalid.
	RejectedDir = "rejected"

	// DefaultSettle is how long a file must stay unchanged before it is read.
	DefaultSettle = 500 * time.Millisecond
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// Submitter accepts uploads.
type Submitter interface {
	SubmitUpload(ctx context.Context, req syncpkg.UploadRequest) (*syncpkg.UploadResult, error)
}

// Watcher submits image files that appear in a directory.
type Watcher struct {
	dir    string
	submit Submitter
	settle time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// pending maps a path to the time of its latest write event.
	// Owned by the event loop.
	pending map[string]time.Time
}

// NewWatcher creates a watcher for dir. The directory is created if missing.
func NewWatcher(dir string, submit Submitter, settle time.Duration) (*Watcher, error) {
	if dir == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "inbox directory is required")
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	for _, d := range []string{dir, filepath.Join(dir, ProcessedDir), filepath.Join(dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory %s: %w", d, err)
		}
	}

	return &Watcher{
		dir:     dir,
		submit:  submit,
		settle:  settle,
		pending: make(map[string]time.Time),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start begins watching. Files already in the inbox are submitted too.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("inbox watcher already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch inbox directory %s: %w", w.dir, err)
	}

	existing, err := w.scan()
	if err != nil {
		fw.Close()
		return err
	}
	now := time.Now()
	for _, path := range existing {
		w.pending[path] = now.Add(-w.settle)
	}

	w.watcher = fw
	w.done = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.processEvents(ctx)

	logging.Info("Inbox watcher started", map[string]interface{}{
		"dir":      w.dir,
		"existing": len(existing),
	})
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	logging.Info("Inbox watcher stopped", nil)
	return nil
}

// Run starts the watcher and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// scan lists image files currently in the inbox.
func (w *Watcher) scan() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox directory %s: %w", w.dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if isCandidate(path) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					delete(w.pending, event.Name)
				}
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) || !isCandidate(event.Name) {
				continue
			}
			w.pending[event.Name] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Inbox watcher error", map[string]interface{}{"error": err.Error()})

		case now := <-ticker.C:
			for path, last := range w.pending {
				if now.Sub(last) < w.settle {
					continue
				}
				delete(w.pending, path)
				w.handle(ctx, path)
			}
		}
	}
}

// handle submits one settled file.
func (w *Watcher) handle(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("Failed to read inbox file", map[string]interface{}{"path": path, "error": err.Error()})
		}
		return
	}

	name := filepath.Base(path)
	result, err := w.submit.SubmitUpload(ctx, syncpkg.UploadRequest{ImageName: name, Image: data})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrValidation) {
			logging.Warn("Inbox file rejected", map[string]interface{}{"file": name, "error": err.Error()})
			w.move(path, RejectedDir)
			return
		}
		// Left in place; picked up again by the next start.
		logging.Error("Inbox file could not be submitted", err, map[string]interface{}{"file": name})
		return
	}

	logging.Info("Inbox file submitted", map[string]interface{}{
		"file":    name,
		"outcome": string(result.Outcome),
		"job_id":  result.JobID,
	})
	w.move(path, ProcessedDir)
}

func (w *Watcher) move(path, sub string) {
	target := filepath.Join(w.dir, sub, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(target, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, target); err != nil {
		logging.Warn("Failed to move inbox file", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

func isCandidate(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return imageExtensions[strings.ToLower(filepath.Ext(base))]
}
