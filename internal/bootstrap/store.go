package bootstrap

import (
	"fmt"
	"sync"
)

// ModuleStore holds the modules loaded into one address space. A node keeps
// one per process; nothing about it is global.
type ModuleStore struct {
	mu      sync.Mutex
	modules map[string][]byte // name -> decoded source
	order   []string          // load order, for Unload symmetry
}

// NewModuleStore creates an empty store.
func NewModuleStore() *ModuleStore {
	return &ModuleStore{modules: make(map[string][]byte)}
}

// Has reports whether a module by that name has been loaded.
func (s *ModuleStore) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.modules[name]
	return ok
}

// Put records a module's decoded source under name. Reloading a name
// replaces the previous source.
func (s *ModuleStore) Put(name string, source []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[name]; !ok {
		s.order = append(s.order, name)
	}
	s.modules[name] = append([]byte(nil), source...)
}

// Source returns a module's decoded source.
func (s *ModuleStore) Source(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.modules[name]
	if !ok {
		return nil, fmt.Errorf("module %s not loaded", name)
	}
	return append([]byte(nil), src...), nil
}

// Names returns loaded module names in load order.
func (s *ModuleStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Unload purges every previously loaded module from this store and returns
// the purged names in load order. Used when a process that temporarily acted
// as a bootstrap target detaches from that role.
func (s *ModuleStore) Unload() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := s.order
	s.modules = make(map[string][]byte)
	s.order = nil
	return purged
}
