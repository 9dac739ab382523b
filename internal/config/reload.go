package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the live configuration and fans reloads out to subscribers.
//
// Reload requests flow through a buffered trigger channel drained and
// coalesced by a single goroutine, so rapid back-to-back triggers collapse
// into one reload-and-notify pass.
type Manager struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Config

	reloadCh chan string // value = reason string (for logging)
	subs     []chan *Config
	subsMu   sync.Mutex

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewManager loads path (or the default configuration if path is absent)
// and returns a Manager ready to Start.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Validate() {
		logger.Warn("config warning", "warning", w)
	}

	return &Manager{
		path:     path,
		logger:   logger,
		current:  cfg,
		reloadCh: make(chan string, 16),
		stop:     make(chan struct{}),
	}, nil
}

// Current returns the live configuration snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel that receives the new configuration after
// every successful reload. The channel is buffered; a subscriber that
// falls behind only ever sees the most recent config (older sends are
// dropped, never blocking the reload goroutine).
func (m *Manager) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// TriggerReload queues a reload from any goroutine without waiting for it
// to complete. Used by the fsnotify watch.
func (m *Manager) TriggerReload(reason string) {
	select {
	case m.reloadCh <- reason:
	default:
		// A reload is already pending; no need to queue another.
	}
}

// ReloadNow performs a synchronous reload and returns the resulting error,
// if any. This is what the Observability API's POST /api/config/reload
// handler calls, since that endpoint's contract returns success/failure
// to the caller rather than firing and forgetting.
func (m *Manager) ReloadNow() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	for _, w := range cfg.Validate() {
		m.logger.Warn("config warning", "warning", w)
	}

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()

	m.logger.Info("config reloaded", "reason", "api")

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
	return nil
}

// Start launches the reload-drain goroutine and, if the config file exists
// on disk, an fsnotify watch that queues a reload on every write.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.reloadLoop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("config file watch disabled", "error", err)
		return
	}
	if err := watcher.Add(m.path); err != nil {
		m.logger.Warn("config file watch disabled", "error", err)
		watcher.Close()
		return
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchLoop()
}

// Stop shuts down background goroutines.
func (m *Manager) Stop() {
	close(m.stop)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.TriggerReload("fsnotify:" + ev.Name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watch error", "error", err)
		case <-m.stop:
			return
		}
	}
}

// reloadLoop drains reloadCh and performs the actual reload, coalescing
// rapid back-to-back triggers into a single reload.
func (m *Manager) reloadLoop() {
	defer m.wg.Done()
	for {
		select {
		case reason := <-m.reloadCh:
		drain:
			for {
				select {
				case extra := <-m.reloadCh:
					reason += "+" + extra
				default:
					break drain
				}
			}
			m.reload(reason)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reload(reason string) {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload failed", "reason", reason, "error", err)
		return
	}
	for _, w := range cfg.Validate() {
		m.logger.Warn("config warning", "warning", w)
	}

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()

	m.logger.Info("config reloaded", "reason", reason)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// Drop the stale pending value and push the latest instead.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
