package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	logx "github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

// Manager loads the YAML config and watches the file for edits so a
// subset of settings (log level, scheduler pacing) can be re-applied
// without a restart.
type Manager struct {
	path string
	log  logx.Logger

	mu  sync.Mutex
	cur Config

	watcher  *fsnotify.Watcher
	onChange func(Config)
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log}
}

// Load reads, parses and validates the config file. The Telegram token
// falls back to TELEGRAM_BOT_TOKEN when the file leaves it empty.
func (m *Manager) Load() (Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", m.path, err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	m.mu.Lock()
	m.cur = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded config.
func (m *Manager) Current() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required (config or TELEGRAM_BOT_TOKEN)")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must list at least one operator")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(cfg.Driver.BaseURL) == "" {
		return errors.New("driver.base_url is required")
	}
	if cfg.Scheduler.MaxPerBatch < 0 {
		return errors.New("scheduler.max_per_batch must be >= 0")
	}
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"driver.request_timeout", cfg.Driver.RequestTimeout},
		{"scheduler.cycle_delay", cfg.Scheduler.CycleDelay},
		{"scheduler.request_pause", cfg.Scheduler.RequestPause},
		{"scheduler.account_pause", cfg.Scheduler.AccountPause},
		{"scheduler.error_backoff", cfg.Scheduler.ErrorBackoff},
		{"maintenance.queue_retain_for", cfg.Maintenance.QueueRetainFor},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// Watch starts the fsnotify loop. onChange runs with each successfully
// reloaded config; load failures are logged and the previous config
// stays in effect.
func (m *Manager) Watch(onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors often replace the file atomically,
	// which drops a watch placed on the file itself.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		_ = w.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = w
	m.onChange = onChange
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.watchLoop(w)
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher) {
	defer close(m.doneCh)

	base := filepath.Base(m.path)
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce editor write bursts.
			if debounce == nil {
				debounce = time.NewTimer(300 * time.Millisecond)
			} else {
				debounce.Reset(300 * time.Millisecond)
			}
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			cfg, err := m.Load()
			if err != nil {
				m.log.Warn("config reload failed, keeping previous", logx.Err(err))
				continue
			}
			m.log.Info("config reloaded", logx.String("path", m.path))
			if m.onChange != nil {
				m.onChange(cfg)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.Warn("config watcher error", logx.Err(err))
		}
	}
}

// Close stops the watcher (no-op if Watch was never called).
func (m *Manager) Close() error {
	m.mu.Lock()
	w := m.watcher
	stop := m.stopCh
	done := m.doneCh
	m.watcher = nil
	m.stopCh = nil
	m.mu.Unlock()

	if w == nil {
		return nil
	}
	close(stop)
	err := w.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return err
}
