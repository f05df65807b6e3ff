// Package router resolves logical model capabilities ("answering",
// "embedding", "scope") to concrete backends. The routing table is swapped
// atomically on reload; a request resolves all of its calls through the
// Snapshot it captured when it started.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/logger"
)

const (
	RouteAnswering = "answering"
	RouteEmbedding = "embedding"
	RouteScope     = "scope"
)

var (
	ErrUnknownRoute   = errors.New("unknown model route")
	ErrUnknownBackend = errors.New("unknown model backend")
	ErrCapability     = errors.New("backend does not provide capability")
)

// Factory builds the handle for one route. The handle must implement the
// capability interfaces the route is used for.
type Factory func(route models.ModelRoute) (any, error)

type Table struct {
	Version string
	Routes  map[string]models.ModelRoute
}

type Snapshot struct {
	version string
	routes  map[string]models.ModelRoute
	handles map[string]any
}

func (s *Snapshot) Version() string {
	return s.version
}

func (s *Snapshot) Route(name string) (models.ModelRoute, bool) {
	r, ok := s.routes[name]
	return r, ok
}

// Identifiers maps every logical name to its backend identifier.
func (s *Snapshot) Identifiers() map[string]string {
	out := make(map[string]string, len(s.routes))
	for name, r := range s.routes {
		out[name] = r.Identifier()
	}
	return out
}

func (s *Snapshot) Resolve(name string) (any, models.ModelRoute, error) {
	route, ok := s.routes[name]
	if !ok {
		return nil, models.ModelRoute{}, fmt.Errorf("%w: %s", ErrUnknownRoute, name)
	}
	return s.handles[name], route, nil
}

func (s *Snapshot) Generator(name string) (llm.Generator, models.ModelRoute, error) {
	h, route, err := s.Resolve(name)
	if err != nil {
		return nil, route, err
	}
	g, ok := h.(llm.Generator)
	if !ok {
		return nil, route, fmt.Errorf("%w: %s is not a generator", ErrCapability, route.Identifier())
	}
	return g, route, nil
}

func (s *Snapshot) Classifier(name string) (llm.Classifier, models.ModelRoute, error) {
	h, route, err := s.Resolve(name)
	if err != nil {
		return nil, route, err
	}
	c, ok := h.(llm.Classifier)
	if !ok {
		return nil, route, fmt.Errorf("%w: %s is not a classifier", ErrCapability, route.Identifier())
	}
	return c, route, nil
}

func (s *Snapshot) Embedder(name string) (llm.Embedder, models.ModelRoute, error) {
	h, route, err := s.Resolve(name)
	if err != nil {
		return nil, route, err
	}
	e, ok := h.(llm.Embedder)
	if !ok {
		return nil, route, fmt.Errorf("%w: %s is not an embedder", ErrCapability, route.Identifier())
	}
	return e, route, nil
}

type Router struct {
	mu        sync.Mutex
	factories map[string]Factory
	current   atomic.Pointer[Snapshot]
}

func New() *Router {
	r := &Router{factories: make(map[string]Factory)}
	r.current.Store(&Snapshot{
		routes:  map[string]models.ModelRoute{},
		handles: map[string]any{},
	})
	return r
}

func (r *Router) Register(backend string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = f
}

// Load builds every handle of the table and then publishes it. On error the
// previous table stays active.
func (r *Router) Load(t Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		version: t.Version,
		routes:  make(map[string]models.ModelRoute, len(t.Routes)),
		handles: make(map[string]any, len(t.Routes)),
	}

	names := make([]string, 0, len(t.Routes))
	for name := range t.Routes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		route := t.Routes[name]
		route.Logical = name

		factory, ok := r.factories[route.Backend]
		if !ok {
			return fmt.Errorf("route %s: %w: %q", name, ErrUnknownBackend, route.Backend)
		}
		handle, err := factory(route)
		if err != nil {
			return fmt.Errorf("route %s: failed to build backend: %w", name, err)
		}

		snap.routes[name] = route
		snap.handles[name] = handle
	}

	prev := r.current.Swap(snap)

	logger.Info("Model routing table loaded",
		zap.String("version", t.Version),
		zap.String("previous_version", prev.version),
		zap.Strings("routes", names),
	)

	return nil
}

// Snapshot returns the active table. It never returns nil.
func (r *Router) Snapshot() *Snapshot {
	return r.current.Load()
}
