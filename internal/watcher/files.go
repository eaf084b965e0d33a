package watcher

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/fsnotify/fsnotify"
)

// skipDirs are never watched.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

// FileConfig configures the file watcher.
type FileConfig struct {
	Paths      []string
	Extensions []string
	Debounce   time.Duration
}

// FileWatcher emits a file-watcher event for each saved source file. Bursts
// of writes to the same file within Debounce produce one event.
type FileWatcher struct {
	cfg  FileConfig
	sink Sink
	fsw  *fsnotify.Watcher
	exts map[string]bool

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewFileWatcher watches every directory under cfg.Paths.
func NewFileWatcher(cfg FileConfig, sink Sink) (*FileWatcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &FileWatcher{
		cfg:    cfg,
		sink:   sink,
		fsw:    fsw,
		exts:   make(map[string]bool, len(cfg.Extensions)),
		timers: make(map[string]*time.Timer),
	}
	for _, ext := range cfg.Extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		w.exts[strings.ToLower(ext)] = true
	}
	for _, root := range cfg.Paths {
		if err := w.addTree(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *FileWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes file system notifications until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watcher: file watch error: %v", err)
		}
	}
}

func (w *FileWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				log.Printf("watcher: %v", err)
			}
			return
		}
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if !w.matches(ev.Name) {
		return
	}

	path := ev.Name
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.timers[path]; ok && old.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.cfg.Debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.emit(ctx, path)
	})
	w.timers[path] = t
}

func (w *FileWatcher) matches(path string) bool {
	if len(w.exts) == 0 {
		return true
	}
	return w.exts[strings.ToLower(filepath.Ext(path))]
}

func (w *FileWatcher) emit(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	snippet, err := readHead(path)
	if err != nil {
		log.Printf("watcher: read %s: %v", path, err)
		return
	}

	deliver(ctx, w.sink, models.InputEvent{
		// Same file at the same mtime is the same save.
		ID:          fmt.Sprintf("file:%s:%d", path, info.ModTime().UnixNano()),
		Source:      models.SourceFileWatcher,
		Context:     fmt.Sprintf("Saved %s", w.display(path)),
		CodeSnippet: snippet,
		Timestamp:   time.Now().UnixMilli(),
	})
}

// display returns path relative to the watched root it lives under.
func (w *FileWatcher) display(path string) string {
	for _, root := range w.cfg.Paths {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return path
}

func readHead(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxSnippetBytes+utf8MaxExtra))
	if err != nil {
		return "", err
	}
	return clip(string(data)), nil
}

// utf8MaxExtra lets clip find a rune boundary past the limit.
const utf8MaxExtra = 4

// stop cancels pending debounce timers and closes the watcher.
func (w *FileWatcher) stop() {
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.fsw.Close()
}
