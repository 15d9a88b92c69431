package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Provider serves the live configuration. Readers take a snapshot per
// call, so a reload or a runtime toggle applies to the next message.
type Provider struct {
	logger  *zap.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewProvider creates a new provider seeded with cfg.
func NewProvider(logger *zap.Logger, cfg *Config) *Provider {
	p := &Provider{logger: logger.Named("config")}
	p.current.Store(cfg)
	return p
}

// Current returns the active configuration. Callers must not mutate it.
func (p *Provider) Current() *Config {
	return p.current.Load()
}

// Parser returns a copy of the parser settings.
func (p *Provider) Parser() types.ParserConfig {
	return p.current.Load().Parser
}

// Spam returns a copy of the spam filter settings.
func (p *Provider) Spam() types.SpamConfig {
	return p.current.Load().Spam
}

// OnChange registers fn to run after every successful update.
func (p *Provider) OnChange(fn func(*Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// SetInvert toggles signal inversion until the next reload.
func (p *Provider) SetInvert(on bool) {
	p.update(func(c *Config) { c.Parser.InvertSignals = on })
	p.logger.Info("signal inversion changed", zap.Bool("enabled", on))
}

// SetRiskPercent changes the synthesized stop-loss distance until the next
// reload.
func (p *Provider) SetRiskPercent(percent float64) error {
	if percent <= 0 || percent >= 100 {
		return fmt.Errorf("risk percent must be in (0, 100), got %v", percent)
	}
	p.update(func(c *Config) { c.Parser.DefaultRiskPercent = percent })
	p.logger.Info("default risk changed", zap.Float64("percent", percent))
	return nil
}

// update applies fn to a copy of the current config and swaps it in.
func (p *Provider) update(fn func(*Config)) {
	for {
		old := p.current.Load()
		next := *old
		fn(&next)
		if p.current.CompareAndSwap(old, &next) {
			p.notify(&next)
			return
		}
	}
}

func (p *Provider) replace(cfg *Config) {
	p.current.Store(cfg)
	p.notify(cfg)
}

func (p *Provider) notify(cfg *Config) {
	p.mu.Lock()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Watch reloads the configuration whenever the file at path changes.
// Invalid files are logged and ignored.
func (p *Provider) Watch(path string) error {
	if path == "" {
		return errors.New("no config file to watch")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			p.logger.Error("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		p.replace(cfg)
		p.logger.Info("config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()
	p.logger.Info("watching config", zap.String("file", path))
	return nil
}
