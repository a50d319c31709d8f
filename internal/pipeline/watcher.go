package pipeline

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// AnswerWatcher watches the escalation answer directory and invokes a
// callback when a human edits an answer file, so paused runs resume
// without polling.
type AnswerWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	onAnswer func(specID string)
	logger   *log.Logger
	done     chan struct{}
}

// NewAnswerWatcher starts watching root. Per-spec subdirectories are
// picked up as they appear.
func NewAnswerWatcher(root string, onAnswer func(specID string), logger *log.Logger) (*AnswerWatcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, err
	}

	aw := &AnswerWatcher{
		root:     root,
		watcher:  w,
		onAnswer: onAnswer,
		logger:   logger,
		done:     make(chan struct{}),
	}

	// Spec dirs created before the watcher started
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := w.Add(filepath.Join(root, e.Name())); err != nil {
					logger.Printf("[watcher] cannot watch %s: %v", e.Name(), err)
				}
			}
		}
	}

	go aw.loop()
	return aw, nil
}

// Close stops the watcher
func (w *AnswerWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *AnswerWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("[watcher] %v", err)
		}
	}
}

func (w *AnswerWatcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	// New spec directory: start watching it
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Printf("[watcher] cannot watch %s: %v", rel, err)
			}
			return
		}
	}

	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	specID := strings.Split(filepath.ToSlash(rel), "/")[0]
	if specID == "" || specID == "." {
		return
	}
	w.onAnswer(specID)
}
