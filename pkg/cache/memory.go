package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarryhq/gristmill/pkg/config"
)

func init() {
	Register(config.BackendMemory, func(cfg config.CacheConfig, _ *zap.Logger) (Store, error) {
		return NewMemory(cfg.MaxEntries), nil
	})
}

type memoryEntry struct {
	ns      Namespace
	id      string
	value   []byte
	expires time.Time
}

// Memory is the in-process Store. Each namespace keeps at most maxEntries
// live entries; when full, the oldest insertion is evicted first. Expired
// entries are dropped lazily when a Get finds them.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[Namespace]map[string]*list.Element
	order      map[Namespace]*list.List // front = oldest insertion

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time // test hook
}

var _ Store = (*Memory)(nil)

// NewMemory returns an in-process store holding at most maxEntries entries
// per namespace. A non-positive maxEntries means unbounded.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		maxEntries: maxEntries,
		entries: map[Namespace]map[string]*list.Element{
			NamespaceMetadata: {},
			NamespaceRecords:  {},
		},
		order: map[Namespace]*list.List{
			NamespaceMetadata: list.New(),
			NamespaceRecords:  list.New(),
		},
		now: time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key.Namespace][key.ID()]
	if !ok {
		m.misses++
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if !m.now().Before(entry.expires) {
		m.remove(elem)
		m.misses++
		return nil, false, nil
	}
	m.hits++
	return entry.value, true, nil
}

func (m *Memory) Put(_ context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := key.ID()
	if elem, ok := m.entries[key.Namespace][id]; ok {
		m.remove(elem)
	}
	for m.maxEntries > 0 && m.order[key.Namespace].Len() >= m.maxEntries {
		m.remove(m.order[key.Namespace].Front())
		m.evictions++
	}
	entry := &memoryEntry{ns: key.Namespace, id: id, value: value, expires: m.now().Add(ttl)}
	m.entries[key.Namespace][id] = m.order[key.Namespace].PushBack(entry)
	return nil
}

func (m *Memory) Invalidate(_ context.Context, ns Namespace, addressPrefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, elem := range m.entries[ns] {
		if strings.HasPrefix(id, addressPrefix) {
			m.remove(elem)
		}
	}
	return nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries int64
	for _, l := range m.order {
		entries += int64(l.Len())
	}
	return Stats{Hits: m.hits, Misses: m.misses, Evictions: m.evictions, Entries: entries}
}

func (m *Memory) Close() error { return nil }

// remove expects m.mu to be held.
func (m *Memory) remove(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	m.order[entry.ns].Remove(elem)
	delete(m.entries[entry.ns], entry.id)
}
