package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
)

// Directory is the parsed directory file: lifecycle callback URLs plus
// per-client overrides. The file is JSONC, so operators can annotate
// entries with comments.
type Directory struct {
	Callbacks Callbacks                 `json:"callbacks"`
	Clients   map[string]ClientOverride `json:"clients"`
}

// Callbacks lists webhook URLs fired on session lifecycle edges.
type Callbacks struct {
	Connect    []string `json:"connect"`
	Disconnect []string `json:"disconnect"`
}

// ClientOverride carries per-client settings applied at registration,
// keyed by the client's declared name.
type ClientOverride struct {
	// QueueCapacity overrides the default queue capacity when positive.
	QueueCapacity int `json:"queue_capacity"`
}

// ParseDirectory parses JSONC directory file content.
func ParseDirectory(data []byte) (*Directory, error) {
	var dir Directory
	if err := json.Unmarshal(jsonc.ToJSON(data), &dir); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}
	return &dir, nil
}

// LoadDirectory reads and parses a directory file from disk.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	return ParseDirectory(data)
}

// Watcher serves the current directory snapshot and hot-reloads it when
// the file changes on disk. Lookups never block on a reload.
type Watcher struct {
	path    string
	log     *slog.Logger
	current atomic.Pointer[Directory]
}

// NewWatcher loads the directory file and returns a watcher around it.
// The initial load must succeed; later reload failures keep the previous
// snapshot.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	dir, err := LoadDirectory(path)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{path: path, log: log}
	w.current.Store(dir)
	return w, nil
}

// Current returns the latest good snapshot.
func (w *Watcher) Current() *Directory {
	return w.current.Load()
}

// CapacityFor returns the client's queue capacity override, or zero when
// the directory has no positive override for that name.
func (w *Watcher) CapacityFor(clientName string) int {
	dir := w.Current()
	if dir == nil {
		return 0
	}
	if o, ok := dir.Clients[clientName]; ok && o.QueueCapacity > 0 {
		return o.QueueCapacity
	}
	return 0
}

// Run watches the file until ctx is canceled. The watch is placed on the
// parent directory because editors and config managers typically replace
// the file by rename, which drops a watch placed on the file itself.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = fw.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Debug("directory.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	dir, err := LoadDirectory(w.path)
	if err != nil {
		w.log.Warn("directory.reload.fail",
			slog.String("path", w.path),
			slog.String("err", err.Error()),
		)
		return
	}
	w.current.Store(dir)
	w.log.Info("directory.reload.ok",
		slog.String("path", w.path),
		slog.Int("clients", len(dir.Clients)),
	)
}
