package relation

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type memoryInstance struct {
	id        int
	remoteApp string
	local     Databag
	remote    Databag
}

// MemoryStore is an in-process Store.  It backs tests and local development
// runs; change events are emitted for remote-side mutations only, mirroring
// the substrate's behavior of not notifying a side about its own writes.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int
	relations map[string][]*memoryInstance
	watchers  []chan Event
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{relations: map[string][]*memoryInstance{}}
}

// AddRelation forms a new relation instance with a remote application and
// returns its ID.
func (s *MemoryStore) AddRelation(relation, remoteApp string) int {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.relations[relation] = append(s.relations[relation], &memoryInstance{
		id:        id,
		remoteApp: remoteApp,
		local:     Databag{},
		remote:    Databag{},
	})
	s.mu.Unlock()

	s.notify(Event{Relation: relation, ID: id})
	return id
}

// RemoveRelation tears an instance down.
func (s *MemoryStore) RemoveRelation(relation string, id int) {
	s.mu.Lock()
	instances := s.relations[relation]
	for i, instance := range instances {
		if instance.id == id {
			s.relations[relation] = append(instances[:i], instances[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify(Event{Relation: relation, ID: id})
}

// SetRemoteData simulates the remote application publishing data.
func (s *MemoryStore) SetRemoteData(relation string, id int, data Databag) error {
	s.mu.Lock()
	instance := s.find(relation, id)
	if instance == nil {
		s.mu.Unlock()
		return errors.Errorf("relation %s has no instance %d", relation, id)
	}
	instance.remote = data.Copy()
	s.mu.Unlock()

	s.notify(Event{Relation: relation, ID: id})
	return nil
}

// List ...
func (s *MemoryStore) List(relation string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Instance, 0, len(s.relations[relation]))
	for _, instance := range s.relations[relation] {
		out = append(out, Instance{ID: instance.id, RemoteApp: instance.remoteApp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoteData ...
func (s *MemoryStore) RemoteData(relation string, id int) (Databag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance := s.find(relation, id)
	if instance == nil {
		return nil, errors.Errorf("relation %s has no instance %d", relation, id)
	}
	return instance.remote.Copy(), nil
}

// LocalData ...
func (s *MemoryStore) LocalData(relation string, id int) (Databag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance := s.find(relation, id)
	if instance == nil {
		return nil, errors.Errorf("relation %s has no instance %d", relation, id)
	}
	return instance.local.Copy(), nil
}

// PutLocalData ...
func (s *MemoryStore) PutLocalData(relation string, id int, data Databag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance := s.find(relation, id)
	if instance == nil {
		return errors.Errorf("relation %s has no instance %d", relation, id)
	}
	instance.local = data.Copy()
	return nil
}

// Watch ...
func (s *MemoryStore) Watch(ctx context.Context) (<-chan Event, error) {
	events := make(chan Event, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, events)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.watchers {
			if w == events {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(events)
	}()
	return events, nil
}

func (s *MemoryStore) notify(event Event) {
	s.mu.Lock()
	watchers := make([]chan Event, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- event:
		default:
			// A stalled watcher loses the edge; consumers reconcile on the
			// next event anyway.
		}
	}
}

func (s *MemoryStore) find(relation string, id int) *memoryInstance {
	for _, instance := range s.relations[relation] {
		if instance.id == id {
			return instance
		}
	}
	return nil
}
