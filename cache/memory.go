package cache

import (
	"fmt"
	"sort"
	"sync"
)

type memStore struct {
	name    string
	mutex   *sync.RWMutex
	entries map[string]Entry
	deleted bool
}

// MemStorage keeps named stores in process memory.
type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m MemStorage) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memStore{
		name:    name,
		mutex:   m.mutex,
		entries: make(map[string]Entry),
	}
	m.stores[name] = s
	return s, nil
}

func (m MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m MemStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	s.deleted = true
	s.entries = nil
	delete(m.stores, name)
	return true, nil
}

func (s *memStore) Match(key string) (Entry, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (s *memStore) Put(entry Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return fmt.Errorf("put %s: %w", s.name, ErrStoreDeleted)
	}
	s.entries[entry.Key] = entry
	return nil
}

func (s *memStore) Delete(key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *memStore) Keys(cb func(string)) error {
	s.mutex.RLock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s *memStore) Len() (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.entries), nil
}
