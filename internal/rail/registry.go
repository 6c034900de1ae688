package rail

import "strings"

// Registry resolves a rail implementation by provider code.
type Registry struct {
	rails map[string]Rail
}

func NewRegistry(rails ...Rail) *Registry {
	m := make(map[string]Rail, len(rails))
	for _, r := range rails {
		if r == nil {
			continue
		}
		m[normalizeProvider(r.Provider())] = r
	}
	return &Registry{rails: m}
}

func (r *Registry) ProviderExists(provider string) bool {
	_, ok := r.rails[normalizeProvider(provider)]
	return ok
}

func (r *Registry) Resolve(provider string) (Rail, error) {
	impl, ok := r.rails[normalizeProvider(provider)]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return impl, nil
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
