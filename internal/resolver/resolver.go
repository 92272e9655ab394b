// Package resolver turns a logical service reference into a concrete target:
// where it listens, the interface it publishes and the certificate it
// presents. Resolution is staged through the directory and then the peer
// itself, and the result is cached until a failure invalidates it.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"svcweave/internal/description"
	"svcweave/internal/directory"
	"svcweave/internal/logging"
	"svcweave/internal/metrics"
)

// State is how much of a Target is known.
type State int

const (
	Unresolved State = iota
	Located
	Resolved
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Located:
		return "located"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Target is the cached record for one reference.
type Target struct {
	Location string
	Port     int
	Service  *description.Service
	// Certificate is the PEM certificate the peer presents.
	Certificate []byte
}

func (t Target) State() State {
	switch {
	case t.Location == "" || t.Port == 0:
		return Unresolved
	case t.Service == nil || len(t.Certificate) == 0:
		return Located
	default:
		return Resolved
	}
}

// Locator finds where a reference listens. *directory.Client implements it.
type Locator interface {
	Lookup(ctx context.Context, dep description.Dependency) (directory.Location, error)
}

// Fetcher retrieves a located peer's description and certificate.
// *Retriever implements it.
type Fetcher interface {
	Retrieve(ctx context.Context, dep description.Dependency, loc directory.Location) (*description.Service, []byte, error)
}

type Option func(*Reference)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reference) { r.logger = logging.Component(logger, "resolver") }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reference) { r.metrics = m }
}

// Reference is the shared, mutex-guarded cache entry for one dependency.
// Concurrent callers of Resolve wait for a single in-flight resolution.
type Reference struct {
	dep       description.Dependency
	locator   Locator
	retriever Fetcher
	logger    *slog.Logger
	metrics   *metrics.Collector

	mu     sync.Mutex
	target Target
}

func NewReference(dep description.Dependency, locator Locator, retriever Fetcher, opts ...Option) *Reference {
	r := &Reference{
		dep:       dep,
		locator:   locator,
		retriever: retriever,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reference) Dependency() description.Dependency {
	return r.dep
}

// Resolve advances the target until it is Resolved. Each stage that fails
// resets the whole record and returns the failure.
func (r *Reference) Resolve(ctx context.Context) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		switch r.target.State() {
		case Unresolved:
			loc, err := r.locator.Lookup(ctx, r.dep)
			if err != nil {
				r.target = Target{}
				return Target{}, err
			}
			if loc.Location == "" || loc.Port == 0 {
				r.target = Target{}
				return Target{}, &description.ServiceContextError{Service: r.dep.String(), Reason: "lookup returned an empty location"}
			}
			r.target = Target{Location: loc.Location, Port: loc.Port}
			r.logger.Debug("reference located", "service", r.dep.String(), "location", loc.Location, "port", loc.Port)

		case Located:
			loc := directory.Location{Location: r.target.Location, Port: r.target.Port}
			svc, cert, err := r.retriever.Retrieve(ctx, r.dep, loc)
			if err != nil {
				r.target = Target{}
				return Target{}, err
			}
			r.target.Service = svc
			r.target.Certificate = cert
			r.logger.Debug("reference resolved", "service", r.dep.String(), "operations", len(svc.Operations))

		case Resolved:
			return r.target, nil

		default:
			return Target{}, fmt.Errorf("resolver: unknown state %d", r.target.State())
		}
	}
}

// Invalidate resets the target so the next Resolve starts from the
// directory again.
func (r *Reference) Invalidate() {
	r.mu.Lock()
	r.target = Target{}
	r.mu.Unlock()
	r.metrics.RecordInvalidation(r.dep.String())
	r.logger.Info("reference invalidated", "service", r.dep.String())
}

// Current returns the cached record without resolving.
func (r *Reference) Current() Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// Cache hands out one Reference per dependency name so every caller of the
// same dependency shares its resolution.
type Cache struct {
	locator   Locator
	retriever Fetcher
	opts      []Option

	mu   sync.Mutex
	refs map[string]*Reference
}

func NewCache(locator Locator, retriever Fetcher, opts ...Option) *Cache {
	return &Cache{locator: locator, retriever: retriever, opts: opts, refs: map[string]*Reference{}}
}

// Reference returns the shared entry for dep, creating it on first use.
func (c *Cache) Reference(dep description.Dependency) *Reference {
	key := dep.Name + "|" + dep.URL + "|" + fmt.Sprint(dep.API)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.refs[key]; ok {
		return ref
	}
	ref := NewReference(dep, c.locator, c.retriever, c.opts...)
	c.refs[key] = ref
	return ref
}
