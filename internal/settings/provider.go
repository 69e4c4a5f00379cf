package settings

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"PRESENCE-backend/internal/platform/logs"
)

// Provider caches the merged settings for ttl; after expiry the next caller
// reloads from the store. Load failures keep serving the last good value.
type Provider struct {
	store    Store
	defaults Settings
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu       sync.RWMutex
	current  Settings
	loadedAt time.Time
	loaded   bool
}

func NewProvider(store Store, defaults Settings, ttl time.Duration, l *zap.Logger) *Provider {
	return &Provider{
		store:    store,
		defaults: defaults,
		ttl:      ttl,
		now:      time.Now,
		log:      logs.OrNop(l).With(zap.String("component", "settings")),
		current:  defaults,
	}
}

func (p *Provider) Current(ctx context.Context) (Settings, error) {
	p.mu.RLock()
	if p.loaded && p.now().Sub(p.loadedAt) < p.ttl {
		s := p.current
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	kv, err := p.store.Load(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.log.Warn("settings reload failed, serving last known values", zap.Error(err))
		return p.current, nil
	}
	p.current = p.defaults.Apply(kv)
	p.loadedAt = p.now()
	p.loaded = true
	return p.current, nil
}

// Invalidate forces the next Current call to hit the store.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.loaded = false
	p.mu.Unlock()
}
