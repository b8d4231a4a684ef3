package coordinator

import "sort"

// Store holds project state. The Coordinator serializes every call, so
// implementations need no locking of their own.
type Store interface {
	Get(name string) (*ProjectState, bool)
	Put(s *ProjectState)
	Delete(name string)
	List() []*ProjectState
	Len() int
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	projects map[string]*ProjectState
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{projects: make(map[string]*ProjectState)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(name string) (*ProjectState, bool) {
	st, ok := s.projects[name]
	return st, ok
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(st *ProjectState) {
	s.projects[st.Project.Name] = st
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(name string) {
	delete(s.projects, name)
}

// List implements Store.List. Projects are ordered by name.
func (s *InMemoryStore) List() []*ProjectState {
	out := make([]*ProjectState, 0, len(s.projects))
	for _, st := range s.projects {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project.Name < out[j].Project.Name })
	return out
}

// Len implements Store.Len.
func (s *InMemoryStore) Len() int {
	return len(s.projects)
}
