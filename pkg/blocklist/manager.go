package blocklist

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
	"dns-agent/pkg/telemetry"
)

// Manager owns the current compiled Matcher and rebuilds it whenever the
// list files change or remote sources are refreshed. Queries in flight see
// either the old or the new matcher, never a partial one.
type Manager struct {
	cfg        *config.BlocklistConfig
	downloader *Downloader
	logger     *logging.Logger
	metrics    *telemetry.Metrics

	// current is read lock-free on every query.
	current atomic.Pointer[Matcher]

	// remote holds the latest merged remote patterns, folded into each build.
	remote atomic.Pointer[map[string]string]

	lastLoaded atomic.Value

	updateTicker *time.Ticker
	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	wg           sync.WaitGroup
	started      atomic.Bool
}

// NewManager creates a blocklist manager. httpClient may be nil.
func NewManager(cfg *config.BlocklistConfig, logger *logging.Logger, metrics *telemetry.Metrics, httpClient *http.Client) *Manager {
	m := &Manager{
		cfg:        cfg,
		downloader: NewDownloader(logger, httpClient),
		logger:     logger,
		metrics:    metrics,
		stopChan:   make(chan struct{}),
	}

	m.current.Store(NewBuilder().Build())
	empty := make(map[string]string)
	m.remote.Store(&empty)
	m.lastLoaded.Store(time.Time{})

	return m
}

// Match checks a domain against the current matcher.
func (m *Manager) Match(domain string) Decision {
	return m.current.Load().Match(domain)
}

// Size returns the block entry count of the current matcher.
func (m *Manager) Size() int {
	return m.current.Load().Size()
}

// Stats returns entry counts of the current matcher.
func (m *Manager) Stats() map[string]int {
	return m.current.Load().Stats()
}

// LastLoaded returns the time of the most recent successful build.
func (m *Manager) LastLoaded() time.Time {
	if ts, ok := m.lastLoaded.Load().(time.Time); ok {
		return ts
	}
	return time.Time{}
}

// Load builds a fresh matcher from the configured files plus the latest
// remote snapshot and swaps it in atomically.
func (m *Manager) Load(ctx context.Context) error {
	startTime := time.Now()
	oldSize := m.Size()

	builder := NewBuilder()

	blockCount, err := ParseFile(m.cfg.Path, m.cfg.Path, builder.Block)
	if err != nil {
		return err
	}

	allowCount, err := ParseFile(m.cfg.WhitelistPath, m.cfg.WhitelistPath, builder.Allow)
	if err != nil {
		return err
	}

	if remote := m.remote.Load(); remote != nil {
		for pattern, source := range *remote {
			builder.Block(pattern, source)
		}
	}

	matcher := builder.Build()
	m.current.Store(matcher)
	m.lastLoaded.Store(time.Now())

	if m.metrics != nil {
		m.metrics.BlocklistSize.Add(ctx, int64(matcher.Size()-oldSize))
	}

	m.logger.Info("Blocklist loaded",
		"file_entries", blockCount,
		"whitelist_entries", allowCount,
		"total_entries", matcher.Size(),
		"duration", time.Since(startTime))

	return nil
}

// Update refreshes the remote snapshot when sources are configured and
// rebuilds the matcher from all inputs.
func (m *Manager) Update(ctx context.Context) error {
	if len(m.cfg.Sources) > 0 {
		merged := m.downloader.DownloadAll(ctx, m.cfg.Sources)
		m.remote.Store(&merged)
	}

	return m.Load(ctx)
}

// Start performs the initial load and launches the auto-update and file
// watch goroutines per configuration.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("Blocklist manager already started")
		return nil
	}
	m.stopChan = make(chan struct{})

	if err := m.Load(ctx); err != nil {
		m.started.Store(false)
		return err
	}

	if m.cfg.AutoUpdate && len(m.cfg.Sources) > 0 && m.cfg.UpdateInterval > 0 {
		m.updateTicker = time.NewTicker(m.cfg.UpdateInterval)
		m.wg.Add(1)
		go m.updateLoop(ctx)
	}

	if m.cfg.WatchFiles {
		if err := m.startWatcher(ctx); err != nil {
			m.logger.Error("Failed to watch list files, continuing without live reload", "error", err)
		}
	}

	return nil
}

// Stop stops background goroutines and waits for them.
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	close(m.stopChan)
	if m.updateTicker != nil {
		m.updateTicker.Stop()
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()

	m.logger.Info("Blocklist manager stopped")
}

func (m *Manager) updateLoop(ctx context.Context) {
	defer m.wg.Done()

	m.logger.Info("Blocklist auto-update loop started", "interval", m.cfg.UpdateInterval)

	for {
		select {
		case <-m.stopChan:
			return
		case <-m.updateTicker.C:
			updateCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if err := m.Update(updateCtx); err != nil {
				m.logger.Error("Scheduled blocklist update failed", "error", err)
			}
			cancel()
		}
	}
}

func (m *Manager) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	for _, path := range []string{m.cfg.Path, m.cfg.WhitelistPath} {
		// Missing files cannot be watched; reload still works via Update.
		if err := watcher.Add(path); err != nil {
			m.logger.Debug("Not watching list file", "path", path, "error", err)
		}
	}

	m.wg.Add(1)
	go m.watchLoop(ctx)
	return nil
}

// watchLoop debounces bursts of writes before rebuilding, editors and list
// updaters produce several events per save.
func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	var pending <-chan time.Time

	for {
		select {
		case <-m.stopChan:
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(500 * time.Millisecond)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("List file watcher error", "error", err)

		case <-pending:
			pending = nil
			m.logger.Info("List files changed, reloading")
			if err := m.Load(ctx); err != nil {
				m.logger.Error("Blocklist reload failed", "error", err)
			}
		}
	}
}
