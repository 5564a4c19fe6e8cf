package discovery

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultResolveTimeout bounds a single lookup.
const DefaultResolveTimeout = 3 * time.Second

// ResolverConfig selects which services a Resolver tracks and how it reports them.
type ResolverConfig struct {
	ServiceType    string
	Prefix         string
	ResolveTimeout time.Duration

	// OnResolved runs after a successful lookup for Added or Updated.
	OnResolved func(ServiceRecord)
	// OnRemoved runs for every Removed event that matches the prefix.
	OnRemoved func(name string)
	// OnFailure runs after a failed lookup. err wraps ErrResolution.
	OnFailure func(name string, err error)
}

// Resolver tracks advertised services whose names match a prefix.
type Resolver struct {
	browser Browser
	lookup  Lookup
	cfg     ResolverConfig
	log     *zap.Logger

	mu    sync.RWMutex
	known map[string]ServiceRecord
}

// NewResolver creates a Resolver. Nothing happens until Run.
func NewResolver(browser Browser, lookup Lookup, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	return &Resolver{
		browser: browser,
		lookup:  lookup,
		cfg:     cfg,
		log:     logger.Named("resolver"),
		known:   make(map[string]ServiceRecord),
	}
}

// Run browses and resolves until ctx is cancelled. A failed lookup never
// stops it; a failed browse does.
func (r *Resolver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, 16)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- r.browser.Browse(ctx, r.cfg.ServiceType, events)
	}()

	r.log.Info("Browsing.", zap.String("type", r.cfg.ServiceType), zap.String("prefix", r.cfg.Prefix))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-browseErr:
			if ctx.Err() != nil {
				return nil
			}
			r.drain(ctx, events)
			if err == nil {
				return fmt.Errorf("browse %s: stopped unexpectedly", r.cfg.ServiceType)
			}
			return fmt.Errorf("browse %s: %w", r.cfg.ServiceType, err)
		case ev := <-events:
			r.handle(ctx, ev)
		}
	}
}

// drain handles events the browser delivered before it returned.
func (r *Resolver) drain(ctx context.Context, events <-chan Event) {
	for {
		select {
		case ev := <-events:
			r.handle(ctx, ev)
		default:
			return
		}
	}
}

func (r *Resolver) handle(ctx context.Context, ev Event) {
	if !Matches(r.cfg.Prefix, ev.Name) {
		return
	}
	if ev.ServiceType == "" {
		ev.ServiceType = r.cfg.ServiceType
	}
	r.log.Debug("Service event.", zap.Stringer("kind", ev.Kind), zap.String("name", ev.Name))

	switch ev.Kind {
	case Added, Updated:
		rec, err := r.resolve(ctx, ev)
		if err != nil {
			r.forget(ev.Name)
			r.log.Warn("Could not resolve service.", zap.String("name", ev.Name), zap.Error(err))
			if r.cfg.OnFailure != nil {
				r.cfg.OnFailure(ev.Name, err)
			}
			return
		}
		r.mu.Lock()
		r.known[ev.Name] = rec
		r.mu.Unlock()
		if r.cfg.OnResolved != nil {
			r.cfg.OnResolved(rec)
		}
	case Removed:
		r.forget(ev.Name)
		if r.cfg.OnRemoved != nil {
			r.cfg.OnRemoved(ev.Name)
		}
	}
}

func (r *Resolver) resolve(ctx context.Context, ev Event) (ServiceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ResolveTimeout)
	defer cancel()

	rec, err := r.lookup.Resolve(ctx, ev.ServiceType, ev.Name)
	if err != nil {
		return ServiceRecord{}, fmt.Errorf("%w: %s: %w", ErrResolution, ev.Name, err)
	}
	if rec.Name == "" {
		rec.Name = ev.Name
	}
	if rec.Type == "" {
		rec.Type = ev.ServiceType
	}
	return rec, nil
}

func (r *Resolver) forget(name string) {
	r.mu.Lock()
	delete(r.known, name)
	r.mu.Unlock()
}

// Record returns the cached record for name.
func (r *Resolver) Record(name string) (ServiceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.known[name]
	return rec, ok
}

// Records returns every cached record ordered by name.
func (r *Resolver) Records() []ServiceRecord {
	r.mu.RLock()
	out := make([]ServiceRecord, 0, len(r.known))
	for _, rec := range r.known {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b ServiceRecord) int { return strings.Compare(a.Name, b.Name) })
	return out
}
