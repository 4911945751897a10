package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimasrn/message-dispatch/internal/model"
	"github.com/nimasrn/message-dispatch/pkg/logger"
)

// Config is one provider entry from configuration. Driver selects the
// adapter implementation; Default marks the deployment's preferred provider.
type Config struct {
	Driver   string
	Disabled bool
	Default  bool

	// http driver
	BaseURL     string
	APIKey      string
	DefaultFrom string
	Timeout     time.Duration
	RatePerSec  int

	// smtp driver
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	GatewayDomain string
}

// Registry owns the set of initialized adapters. Absence of an adapter is
// represented by it not being in the map; there is no conditional module
// loading anywhere.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Create builds and initializes an adapter, registering it on success. The
// first successful registration becomes the default. Initialization failure
// propagates and nothing is registered.
func (r *Registry) Create(ctx context.Context, name string, cfg Config) (Adapter, error) {
	adapter, err := buildAdapter(name, cfg)
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
	if r.defaultName == "" || cfg.Default {
		r.defaultName = name
	}
	logger.Info("provider registered", "provider", name, "driver", cfg.Driver, "default", r.defaultName == name)
	return adapter, nil
}

// Register installs an already-initialized adapter. Custom adapters built
// outside the driver factory enter the registry through here.
func (r *Registry) Register(name string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
	if r.defaultName == "" {
		r.defaultName = name
	}
}

func buildAdapter(name string, cfg Config) (Adapter, error) {
	switch cfg.Driver {
	case "http":
		return NewHTTPAdapter(name, HTTPConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			DefaultFrom: cfg.DefaultFrom,
			Timeout:     cfg.Timeout,
			RatePerSec:  cfg.RatePerSec,
		}), nil
	case "smtp":
		return NewSMTPAdapter(name, SMTPConfig{
			Host:          cfg.SMTPHost,
			Port:          cfg.SMTPPort,
			Username:      cfg.SMTPUsername,
			Password:      cfg.SMTPPassword,
			From:          cfg.DefaultFrom,
			GatewayDomain: cfg.GatewayDomain,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q for provider %s", ErrProviderInit, cfg.Driver, name)
	}
}

// Get returns the named adapter, or the default when name is empty.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		if r.defaultName == "" {
			return nil, model.ErrNoProvidersAvailable
		}
		return r.adapters[r.defaultName], nil
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrProviderNotFound, name)
	}
	return adapter, nil
}

// Remove deregisters an adapter. If it was the default, the
// lexicographically smallest remaining name is promoted so the choice is
// deterministic across restarts.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[name]; !ok {
		return
	}
	delete(r.adapters, name)

	if r.defaultName != name {
		return
	}
	r.defaultName = ""
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	if len(names) > 0 {
		sort.Strings(names)
		r.defaultName = names[0]
	}
	logger.Info("default provider changed", "provider", r.defaultName)
}

func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// RegistryStats aggregates every adapter's view for the stats endpoint.
type RegistryStats struct {
	Count     int              `json:"count"`
	Default   string           `json:"default"`
	Providers map[string]Stats `json:"providers"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := RegistryStats{
		Count:     len(r.adapters),
		Default:   r.defaultName,
		Providers: make(map[string]Stats, len(r.adapters)),
	}
	for name, adapter := range r.adapters {
		out.Providers[name] = adapter.Stats()
	}
	return out
}

// LoadFromConfig registers every enabled entry, failing fast on the first
// adapter that cannot initialize. Names are processed in sorted order so the
// implicit default (first registered) is deterministic.
func (r *Registry) LoadFromConfig(ctx context.Context, configs map[string]Config) error {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := configs[name]
		if cfg.Disabled {
			logger.Info("provider disabled, skipping", "provider", name)
			continue
		}
		if _, err := r.Create(ctx, name, cfg); err != nil {
			return err
		}
	}
	return nil
}
