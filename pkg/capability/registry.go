package capability

import (
	"sort"
	"strings"
	"sync"

	"llm-interaction-manager/pkg/errs"
)

// DefaultSource supplies the persisted default identifier for a role.
type DefaultSource interface {
	DefaultIdentifier(role Role) (string, bool)
}

// Registry maps capability identifiers to constructor functions.
// Resolution returns fresh, unconnected instances; connecting is a
// separate step owned by the caller. Identifiers are case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	llms     map[string]func() LanguageModel
	records  map[string]func() RecordStore
	vectors  map[string]func() VectorStore
	defaults DefaultSource
}

func NewRegistry(defaults DefaultSource) *Registry {
	return &Registry{
		llms:     make(map[string]func() LanguageModel),
		records:  make(map[string]func() RecordStore),
		vectors:  make(map[string]func() VectorStore),
		defaults: defaults,
	}
}

func (r *Registry) RegisterLanguageModel(identifier string, build func() LanguageModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llms[strings.ToLower(identifier)] = build
}

func (r *Registry) RegisterRecordStore(identifier string, build func() RecordStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[strings.ToLower(identifier)] = build
}

func (r *Registry) RegisterVectorStore(identifier string, build func() VectorStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectors[strings.ToLower(identifier)] = build
}

// resolveIdentifier maps the Default sentinel (or an empty identifier) to
// the persisted default selection for the role.
func (r *Registry) resolveIdentifier(role Role, identifier string) (string, error) {
	if identifier != "" && identifier != Default {
		return strings.ToLower(identifier), nil
	}
	if r.defaults == nil {
		return "", errs.Configuration("no default source configured, cannot resolve role %q", role)
	}
	id, ok := r.defaults.DefaultIdentifier(role)
	if !ok || id == "" {
		return "", errs.Configuration("no default handler configured for role %q", role)
	}
	return strings.ToLower(id), nil
}

// LanguageModel resolves an identifier (or the default for the llm role)
// to a new, unconnected language-model instance.
func (r *Registry) LanguageModel(identifier string) (LanguageModel, error) {
	id, err := r.resolveIdentifier(RoleLanguageModel, identifier)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	build, ok := r.llms[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Configuration("no language model implementation named %q", id)
	}
	return build(), nil
}

// RecordStore resolves an identifier (or the default for the persistent
// role) to a new, unconnected record-store instance.
func (r *Registry) RecordStore(identifier string) (RecordStore, error) {
	id, err := r.resolveIdentifier(RoleRecordStore, identifier)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	build, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Configuration("no record store implementation named %q", id)
	}
	return build(), nil
}

// VectorStore resolves an identifier (or the default for the vector role)
// to a new, unconnected vector-store instance.
func (r *Registry) VectorStore(identifier string) (VectorStore, error) {
	id, err := r.resolveIdentifier(RoleVectorStore, identifier)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	build, ok := r.vectors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Configuration("no vector store implementation named %q", id)
	}
	return build(), nil
}

// Stores resolves the record-store and vector-store identifiers together.
// When both resolve to the same identifier, the record-store constructor
// runs once and that single instance serves both roles, so the shared
// backend is connected only once. The constructed instance must then
// implement both contracts.
func (r *Registry) Stores(recordIdentifier, vectorIdentifier string) (RecordStore, VectorStore, error) {
	recID, err := r.resolveIdentifier(RoleRecordStore, recordIdentifier)
	if err != nil {
		return nil, nil, err
	}
	vecID, err := r.resolveIdentifier(RoleVectorStore, vectorIdentifier)
	if err != nil {
		return nil, nil, err
	}

	if recID == vecID {
		r.mu.RLock()
		build, ok := r.records[recID]
		r.mu.RUnlock()
		if !ok {
			return nil, nil, errs.Configuration("no record store implementation named %q", recID)
		}
		rec := build()
		vec, ok := rec.(VectorStore)
		if !ok {
			return nil, nil, errs.Configuration("handler %q cannot serve both the persistent and vector roles", recID)
		}
		return rec, vec, nil
	}

	r.mu.RLock()
	buildRec, okRec := r.records[recID]
	buildVec, okVec := r.vectors[vecID]
	r.mu.RUnlock()
	if !okRec {
		return nil, nil, errs.Configuration("no record store implementation named %q", recID)
	}
	if !okVec {
		return nil, nil, errs.Configuration("no vector store implementation named %q", vecID)
	}
	return buildRec(), buildVec(), nil
}

// Identifiers returns the registered identifiers for a role, sorted.
func (r *Registry) Identifiers(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	switch role {
	case RoleLanguageModel:
		for name := range r.llms {
			names = append(names, name)
		}
	case RoleRecordStore:
		for name := range r.records {
			names = append(names, name)
		}
	case RoleVectorStore:
		for name := range r.vectors {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
