package keys

import (
	"fmt"
	"sort"

	"github.com/keygatehq/keygate/internal/model"
)

// Registry is the closed enumeration of scopes and the actions defined on
// them. Permission grants are validated against it at write time, so an
// unknown scope or action is a rejected write rather than a grant that is
// silently ignored at verification time.
type Registry struct {
	scopes map[string]map[string]bool
}

// DefaultRegistry returns the registry of scopes exposed by the Folio API.
func DefaultRegistry() *Registry {
	rw := []string{"read", "write"}
	return NewRegistry(map[string][]string{
		"watchlist":    rw,
		"portfolio":    rw,
		"transactions": rw,
		"goals":        rw,
	})
}

// NewRegistry builds a registry from a scope -> actions map, typically
// loaded from configuration.
func NewRegistry(scopes map[string][]string) *Registry {
	r := &Registry{scopes: make(map[string]map[string]bool, len(scopes))}
	for scope, actions := range scopes {
		set := make(map[string]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		r.scopes[scope] = set
	}
	return r
}

// Scopes returns the registered scope names, sorted.
func (r *Registry) Scopes() []string {
	names := make([]string, 0, len(r.scopes))
	for s := range r.scopes {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// Known reports whether the (scope, action) pair is registered.
func (r *Registry) Known(scope, action string) bool {
	return r.scopes[scope][action]
}

// Validate checks a permission grant against the registry. It returns an
// error naming the first unknown scope or action encountered.
func (r *Registry) Validate(perms model.Permissions) error {
	for scope, actions := range perms {
		registered, ok := r.scopes[scope]
		if !ok {
			return fmt.Errorf("unknown scope %q", scope)
		}
		for _, a := range actions {
			if !registered[a] {
				return fmt.Errorf("unknown action %q for scope %q", a, scope)
			}
		}
	}
	return nil
}
