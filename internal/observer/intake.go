// Package observer turns task files dropped into an intake directory into
// pending tasks. Producers that cannot call the store directly write a YAML
// file; the watcher ingests it and renames it out of the way.
package observer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/events"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
)

// taskFile is the on-disk shape of an intake task
type taskFile struct {
	Direction string         `yaml:"direction"`
	Type      string         `yaml:"type"`
	Model     string         `yaml:"model"`
	Executor  string         `yaml:"executor"`
	Context   map[string]any `yaml:"context"`
}

// IntakeWatcher monitors the intake directory for new task files
type IntakeWatcher struct {
	watcher   *fsnotify.Watcher
	store     taskstore.Store
	publisher events.Publisher
	dir       string
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewIntakeWatcher creates a watcher over dir. The directory is created if
// it does not exist.
func NewIntakeWatcher(store taskstore.Store, publisher events.Publisher, dir string) (*IntakeWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &IntakeWatcher{
		watcher:   watcher,
		store:     store,
		publisher: publisher,
		dir:       dir,
		debounce:  500 * time.Millisecond, // Debounce rapid writes
		pending:   make(map[string]struct{}),
	}, nil
}

// Start processes filesystem events until the context is cancelled. Files
// already in the directory at startup are ingested first.
func (w *IntakeWatcher) Start(ctx context.Context) error {
	w.ingestExisting()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isTaskFile(event.Name) {
				continue
			}
			w.queue(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("intake: watcher error: %v", err)
		}
	}
}

func isTaskFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (w *IntakeWatcher) ingestExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTaskFile(entry.Name()) {
			continue
		}
		if err := w.Ingest(filepath.Join(w.dir, entry.Name())); err != nil {
			log.Printf("intake: %s: %v", entry.Name(), err)
		}
	}
}

// queue debounces rapid writes to the same file before ingesting
func (w *IntakeWatcher) queue(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *IntakeWatcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for _, p := range paths {
		if err := w.Ingest(p); err != nil {
			log.Printf("intake: %s: %v", filepath.Base(p), err)
		}
	}
}

// Ingest parses one task file, creates the task, and renames the file to
// <name>.done so it is not ingested twice.
func (w *IntakeWatcher) Ingest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Already ingested by a concurrent flush
		}
		return err
	}

	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("parsing task file: %w", err)
	}

	task, err := w.store.CreateTask(taskstore.TaskSpec{
		Direction: tf.Direction,
		Type:      domain.TaskType(tf.Type),
		Executor:  domain.Executor(tf.Executor),
		Model:     tf.Model,
		Context:   tf.Context,
	})
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	if err := os.Rename(path, path+".done"); err != nil {
		log.Printf("intake: could not rename %s: %v", path, err)
	}

	w.publisher.Publish(events.TaskEvent{
		Type:   events.TypeTaskCreated,
		TaskID: task.ID,
		Status: string(task.Status),
		Detail: filepath.Base(path),
	})
	log.Printf("intake: created task %s from %s", task.ID, filepath.Base(path))
	return nil
}
