package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Provider hands out configuration snapshots.
type Provider interface {
	// Current returns the latest snapshot. Never nil after construction.
	Current() *Snapshot
	// Subscribe returns a channel that receives every subsequent snapshot.
	Subscribe() <-chan *Snapshot
	Close() error
}

// FileProvider watches a configuration file and atomically swaps in a new
// snapshot whenever the file changes. Readers calling Current never block
// and never observe a partially applied configuration.
type FileProvider struct {
	path     string
	logger   *slog.Logger
	snapshot atomic.Pointer[Snapshot]
	gen      atomic.Int64

	mu          sync.Mutex
	subscribers []chan *Snapshot

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileProvider loads the file once and starts watching its directory
// for changes. A file that fails to parse on reload keeps the previous
// snapshot in place.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileProvider{
		path:    absPath,
		logger:  logger,
		watcher: watcher,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.snapshot.Store(NewSnapshot(p.gen.Add(1), cfg))

	go p.watchLoop(ctx)
	return p, nil
}

// Current returns the latest snapshot.
func (p *FileProvider) Current() *Snapshot {
	return p.snapshot.Load()
}

// Subscribe registers for snapshot updates.
func (p *FileProvider) Subscribe() <-chan *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher and closes all subscription channels.
func (p *FileProvider) Close() error {
	p.cancel()
	<-p.done
	err := p.watcher.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			p.reload()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *FileProvider) reload() {
	cfg, err := Load(p.path)
	if err != nil {
		p.logger.Error("config reload failed, keeping previous snapshot", "path", p.path, "error", err)
		return
	}

	snap := NewSnapshot(p.gen.Add(1), cfg)
	p.snapshot.Store(snap)
	p.logger.Info("configuration reloaded", "generation", snap.Generation)

	p.mu.Lock()
	subs := append([]chan *Snapshot(nil), p.subscribers...)
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			// Slow subscriber: drop the intermediate snapshot; Current
			// always reflects the newest generation.
		}
	}
}

// StaticProvider serves a fixed configuration, mainly for tests and the
// CLI's one-shot commands.
type StaticProvider struct {
	snap *Snapshot
}

// NewStaticProvider wraps a configuration in a non-reloading provider.
func NewStaticProvider(cfg Config) *StaticProvider {
	return &StaticProvider{snap: NewSnapshot(1, cfg)}
}

// Current returns the fixed snapshot.
func (p *StaticProvider) Current() *Snapshot { return p.snap }

// Subscribe returns a channel that never fires.
func (p *StaticProvider) Subscribe() <-chan *Snapshot { return make(chan *Snapshot) }

// Close is a no-op.
func (p *StaticProvider) Close() error { return nil }
