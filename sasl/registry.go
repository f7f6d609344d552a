/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

import "sort"

// Registry holds the set of mechanisms a Connection is willing to
// negotiate with. Each Connection owns its own instance; there is no
// process-wide mechanism table.
type Registry struct {
	byName map[string]Mechanism
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Mechanism)}
}

// NewDefaultRegistry returns a registry with all seven built-in
// mechanisms registered under their default priorities.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewAnonymous())
	r.Register(NewExternal())
	r.Register(NewOAuthBearer())
	r.Register(NewXOAuth2())
	r.Register(NewPlain())
	r.Register(NewDigestMD5())
	r.Register(NewSCRAMSHA1())
	return r
}

// Register adds or replaces a mechanism by name.
func (r *Registry) Register(m Mechanism) {
	r.byName[m.Name()] = m
}

// Get returns the registered mechanism named name, if any.
func (r *Registry) Get(name string) (Mechanism, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Names returns every registered mechanism name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// MatchOffered intersects the server-offered mechanism names with the
// registry, returning the matches sorted by descending priority
// (ties broken by a stable sort, so offer order wins among equals).
func MatchOffered(r *Registry, offered []string) []Mechanism {
	var matched []Mechanism
	for _, name := range offered {
		if m, ok := r.byName[name]; ok {
			matched = append(matched, m)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() > matched[j].Priority()
	})
	return matched
}
