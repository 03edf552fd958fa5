package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the new configuration after
// a successful reload. Returning an error keeps the previous configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader re-reads the configuration file when it changes on disk or
// when the process receives SIGHUP.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// NewConfigReloader creates a reloader. An empty path disables file watching;
// SIGHUP is still handled.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
		current: cfg,
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so atomic renames by editors and config
		// management tools are seen too.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the function applied after each reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := *r.current
	return &c
}

// Start runs the reload loop until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-r.stop:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				r.logger.WithField("path", r.path).Debug("Configuration file changed")
				r.reload()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop terminates the reload loop and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Warn("No configuration file to reload from")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	if r.onReload != nil {
		if err := r.onReload(old, next); err != nil {
			r.logger.WithError(err).Error("Failed to apply reloaded configuration")
			return
		}
	}
	r.current = next
	r.logger.Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that cannot be applied to a running
// store: anything that decides where records live or how keys are derived.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	checks := []struct {
		changed bool
		field   string
	}{
		{old.Storage.Backend != new.Storage.Backend, "storage.backend"},
		{old.Storage.Bolt.Path != new.Storage.Bolt.Path, "storage.bolt.path"},
		{old.Storage.S3.Bucket != new.Storage.S3.Bucket, "storage.s3.bucket"},
		{old.Storage.S3.Prefix != new.Storage.S3.Prefix, "storage.s3.prefix"},
		{old.Encryption.MasterPassword != new.Encryption.MasterPassword, "encryption.master_password"},
		{old.Encryption.MasterKeyFile != new.Encryption.MasterKeyFile, "encryption.master_key_file"},
		{old.Encryption.MasterKeySalt != new.Encryption.MasterKeySalt, "encryption.master_key_salt"},
		{old.Encryption.KeyService.Provider != new.Encryption.KeyService.Provider, "encryption.key_service.provider"},
	}
	for _, c := range checks {
		if c.changed {
			return fmt.Errorf("%s cannot be changed during hot reload", c.field)
		}
	}
	return nil
}
