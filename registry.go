package multiauth

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh controller
type Factory func() (Authenticator, error)

// Registry maps provider ids to controller factories. The facade looks
// providers up here, so supporting a new provider needs no facade changes.
type Registry struct {
	mu        sync.RWMutex
	factories map[ProviderID]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[ProviderID]Factory)}
}

// Register adds or replaces the factory for id
func (r *Registry) Register(id ProviderID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// New builds a controller for id, or returns ErrUnknownProvider
func (r *Registry) New(id ProviderID) (Authenticator, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return f()
}

// Providers returns the registered ids in sorted order
func (r *Registry) Providers() []ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderID, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewDefaultRegistry registers the email controller and, when their
// collaborators are given, the Google and Apple controllers
func NewDefaultRegistry(backend Backend, google GoogleSignIn, apple AppleSignIn, opts ...Option) *Registry {
	r := NewRegistry()
	r.Register(ProviderPassword, func() (Authenticator, error) {
		return NewEmailController(backend, opts...), nil
	})
	if google != nil {
		r.Register(ProviderGoogle, func() (Authenticator, error) {
			return NewGoogleController(backend, google, opts...), nil
		})
	}
	if apple != nil {
		r.Register(ProviderApple, func() (Authenticator, error) {
			return NewAppleController(backend, apple, opts...), nil
		})
	}
	return r
}
