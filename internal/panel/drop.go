package panel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/savewatch/record"
)

// DropStats counts drop folder activity.
type DropStats struct {
	Imported int `json:"imported"`
	Rejected int `json:"rejected"`
}

// DropFolder imports JSON files written to <dir>/merge or <dir>/replace
// and moves them to <dir>/done afterwards. Rejected files keep a
// .rejected suffix.
type DropFolder struct {
	dir    string
	panel  *Panel
	settle time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
	stats   DropStats
}

// NewDropFolder creates the folder layout under dir.
func NewDropFolder(dir string, p *Panel) (*DropFolder, error) {
	for _, sub := range []string{string(record.Merge), string(record.Replace), "done"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("panel: drop folder: %w", err)
		}
	}
	return &DropFolder{
		dir:     dir,
		panel:   p,
		settle:  300 * time.Millisecond,
		pending: make(map[string]time.Time),
	}, nil
}

// Stats returns the counters.
func (d *DropFolder) Stats() DropStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Run processes files already present, then watches until ctx is done.
// A file is imported once it has been quiet for the settle window.
func (d *DropFolder) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("panel: drop watcher: %w", err)
	}
	defer w.Close()

	for _, mode := range []record.MergeMode{record.Merge, record.Replace} {
		sub := filepath.Join(d.dir, string(mode))
		if err := w.Add(sub); err != nil {
			return fmt.Errorf("panel: watch %s: %w", sub, err)
		}
		entries, _ := os.ReadDir(sub)
		for _, e := range entries {
			if !e.IsDir() {
				d.touch(filepath.Join(sub, e.Name()))
			}
		}
	}
	d.panel.logger.Info("panel: drop folder watching", "dir", d.dir)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				d.touch(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.panel.logger.Warn("panel: drop watcher error", "error", err)
		case <-tick.C:
			for _, path := range d.settled(time.Now()) {
				d.process(ctx, path)
			}
		}
	}
}

func (d *DropFolder) touch(path string) {
	if !strings.HasSuffix(strings.ToLower(path), ".json") {
		return
	}
	d.mu.Lock()
	d.pending[path] = time.Now()
	d.mu.Unlock()
}

func (d *DropFolder) settled(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for path, at := range d.pending {
		if now.Sub(at) >= d.settle {
			out = append(out, path)
			delete(d.pending, path)
		}
	}
	sort.Strings(out)
	return out
}

func (d *DropFolder) process(ctx context.Context, path string) {
	log := d.panel.logger.With("file", path)
	mode := record.MergeMode(filepath.Base(filepath.Dir(path)))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		log.Warn("panel: drop read failed", "error", err)
		return
	}

	rep, err := d.panel.Import(ctx, data, mode, "drop:"+filepath.Base(path))
	name := time.Now().UTC().Format("20060102T150405") + "_" + filepath.Base(path)
	d.mu.Lock()
	if err != nil {
		name += ".rejected"
		d.stats.Rejected++
	} else {
		d.stats.Imported++
	}
	d.mu.Unlock()

	if mvErr := os.Rename(path, filepath.Join(d.dir, "done", name)); mvErr != nil {
		log.Warn("panel: drop move failed", "error", mvErr)
	}
	if err == nil {
		log.Info("panel: drop imported", "mode", string(mode),
			"added", rep.Added, "updated", rep.Updated, "unchanged", rep.Unchanged, "skipped", rep.Skipped)
	}
}
