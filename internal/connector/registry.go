package connector

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"dq-rule-engine/internal/config"
)

// Opener opens a connector for a configured source.
type Opener func(name string, cfg config.SourceConfig) (Connector, error)

// Registry resolves source names to connectors, opening them lazily and
// closing them after ttl without use.
type Registry struct {
	mu      sync.Mutex
	sources map[string]config.SourceConfig
	open    Opener
	ttl     time.Duration
	cache   *cache.Cache
	logger  *slog.Logger
}

var _ Provider = (*Registry)(nil)

// NewRegistry builds a registry over the configured sources.
func NewRegistry(sources map[string]config.SourceConfig, ttl time.Duration, scanLimit int, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sources: sources,
		ttl:     ttl,
		cache:   cache.New(ttl, ttl/2),
		logger:  logger,
	}
	r.open = func(name string, cfg config.SourceConfig) (Connector, error) {
		d, err := DialectFor(cfg.Type)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		return Open(d, d.DSN(cfg), scanLimit)
	}
	r.cache.OnEvicted(func(name string, v interface{}) {
		if c, ok := v.(Connector); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("close evicted connector", "source", name, "error", err)
			}
		}
	})
	return r
}

// Register installs an already-open connector that never expires.
func (r *Registry) Register(name string, c Connector) {
	r.cache.Set(name, c, cache.NoExpiration)
}

// Get returns the connector for name, opening it on first use. Every hit
// pushes the expiry forward.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, exp, ok := r.cache.GetWithExpiration(name); ok {
		c := v.(Connector)
		if !exp.IsZero() {
			r.cache.Set(name, c, cache.DefaultExpiration)
		}
		return c, nil
	}
	cfg, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	c, err := r.open(name, cfg)
	if err != nil {
		return nil, err
	}
	r.cache.Set(name, c, cache.DefaultExpiration)
	return c, nil
}

// Close closes every cached connector.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, item := range r.cache.Items() {
		if c, ok := item.Object.(Connector); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("close connector", "source", name, "error", err)
			}
		}
	}
	r.cache.Flush()
}
