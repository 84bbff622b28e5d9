// Package config provides configuration loading and hot reload.
package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Change describes one accepted reload.
type Change struct {
	Old *Config
	New *Config
	// Applied lists reloadable fields whose value changed.
	Applied []string
	// Ignored lists changed fields that only take effect after a restart.
	Ignored []string
}

// Has reports whether field is among the applied changes.
func (c Change) Has(field string) bool {
	for _, f := range c.Applied {
		if f == field {
			return true
		}
	}
	return false
}

type fieldRule struct {
	name       string
	reloadable bool
	same       func(a, b *Config) bool
}

// fieldRules decides, per config field, whether a running engine can pick up
// a new value. Order is the order changes are reported in.
var fieldRules = []fieldRule{
	{"logging.level", true, func(a, b *Config) bool { return a.Logging.Level == b.Logging.Level }},
	{"billing.near_limit_threshold", true, func(a, b *Config) bool {
		return a.Billing.NearLimitThreshold == b.Billing.NearLimitThreshold
	}},
	{"billing.retry", true, func(a, b *Config) bool { return a.Billing.Retry == b.Billing.Retry }},
	{"catalog", false, func(a, b *Config) bool { return reflect.DeepEqual(a.Catalog, b.Catalog) }},
	{"billing.lock_stripes", false, func(a, b *Config) bool { return a.Billing.LockStripes == b.Billing.LockStripes }},
	{"billing.settlement", false, func(a, b *Config) bool { return a.Billing.Settlement == b.Billing.Settlement }},
	{"payment.provider", false, func(a, b *Config) bool { return a.Payment == b.Payment }},
	{"storage", false, func(a, b *Config) bool { return a.Storage == b.Storage }},
	{"usage", false, func(a, b *Config) bool { return a.Usage == b.Usage }},
	{"redis", false, func(a, b *Config) bool { return a.Redis == b.Redis }},
	{"scheduler", false, func(a, b *Config) bool { return a.Scheduler == b.Scheduler }},
	{"logging.format", false, func(a, b *Config) bool { return a.Logging.Format == b.Logging.Format }},
	{"metrics", false, func(a, b *Config) bool { return a.Metrics == b.Metrics }},
}

// Diff compares two configurations field by field.
func Diff(old, new *Config) Change {
	c := Change{Old: old, New: new}
	for _, r := range fieldRules {
		if r.same(old, new) {
			continue
		}
		if r.reloadable {
			c.Applied = append(c.Applied, r.name)
		} else {
			c.Ignored = append(c.Ignored, r.name)
		}
	}
	return c
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string {
	return ruleNames(true)
}

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string {
	return ruleNames(false)
}

func ruleNames(reloadable bool) []string {
	var names []string
	for _, r := range fieldRules {
		if r.reloadable == reloadable {
			names = append(names, r.name)
		}
	}
	return names
}

// Holder keeps the active configuration of a running server and reloads it
// from disk on file changes or SIGHUP.
type Holder struct {
	path   string
	logger zerolog.Logger

	mu        sync.RWMutex
	cfg       *Config
	listeners []func(Change)

	reloadMu sync.Mutex
	stopOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}
}

// NewHolder loads path and returns a holder for it.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	return &Holder{path: abs, logger: logger, cfg: cfg}, nil
}

// Get returns the active configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// OnChange registers fn to run after every accepted reload that changed a
// field. Listeners run in registration order on the reloading goroutine.
func (h *Holder) OnChange(fn func(Change)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload reads the file again. An invalid file leaves the active
// configuration in place.
func (h *Holder) Reload() (Change, error) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload rejected, keeping active config")
		return Change{}, fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	change := Diff(h.cfg, next)
	h.cfg = next
	listeners := append([]func(Change){}, h.listeners...)
	h.mu.Unlock()

	if len(change.Applied) == 0 && len(change.Ignored) == 0 {
		h.logger.Debug().Str("path", h.path).Msg("config reloaded, nothing changed")
		return change, nil
	}
	if len(change.Ignored) > 0 {
		h.logger.Warn().Strs("fields", change.Ignored).Msg("config changes need a restart to take effect")
	}
	if len(change.Applied) > 0 {
		h.logger.Info().Strs("fields", change.Applied).Msg("config changes applied")
		for _, fn := range listeners {
			fn(change)
		}
	}
	return change, nil
}

// Watch reloads on writes to the config file and on SIGHUP until Stop.
// The directory is watched so editors that replace the file are seen.
func (h *Holder) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	h.done = make(chan struct{})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer close(h.done)
		defer watcher.Close()
		defer signal.Stop(hup)
		h.loop(ctx, watcher, hup)
	}()

	h.logger.Info().Str("path", h.path).Msg("watching config for changes (file and SIGHUP)")
	return nil
}

func (h *Holder) loop(ctx context.Context, watcher *fsnotify.Watcher, hup <-chan os.Signal) {
	name := filepath.Base(h.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			h.reloadFrom("sighup")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.reloadFrom("file")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (h *Holder) reloadFrom(source string) {
	if _, err := h.Reload(); err != nil {
		h.logger.Warn().Err(err).Str("source", source).Msg("config reload failed")
	}
}

// Stop ends Watch and waits for the watch goroutine. Safe to call without
// Watch and more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		if h.stop == nil {
			return
		}
		h.stop()
		<-h.done
	})
}
