package storage

import (
	"strings"
	"sync"

	"github.com/google/btree"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MemoryStore is the in-memory ConfigStore implementation. Entries live in
// a btree keyed by normalized key so directory scans and subtree deletes
// are ordered range scans.
type MemoryStore struct {
	mu      sync.Mutex
	entries *btree.BTreeG[Entry]
	waiters map[string][]ValueCallback
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: btree.NewG(16, func(a, b Entry) bool { return a.Key < b.Key }),
		waiters: make(map[string][]ValueCallback),
	}
}

// NormalizeKey collapses runs of '/' and strips leading and trailing
// slashes, e.g. "///a//b/c//" -> "a/b/c".
func NormalizeKey(key string) string {
	parts := strings.Split(key, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return strings.Join(segments, "/")
}

func (m *MemoryStore) Insert(key, value string, allowOverwrite bool) error {
	k := NormalizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !allowOverwrite {
		if _, ok := m.entries.Get(Entry{Key: k}); ok {
			return status.Errorf(codes.AlreadyExists, "config key %s already exists", key)
		}
	}
	m.entries.ReplaceOrInsert(Entry{Key: k, Value: value})
	// Release waiters blocked on this key, in enqueue order. The callbacks
	// run under the store lock and must not call back into the store.
	if ws, ok := m.waiters[k]; ok {
		for _, done := range ws {
			done(value, nil)
		}
		delete(m.waiters, k)
	}
	return nil
}

func (m *MemoryStore) GetAsync(key string, done ValueCallback) {
	k := NormalizeKey(key)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		done("", status.Errorf(codes.Canceled, "store is shut down, cancelling GetKeyValue for key: %s", key))
		return
	}
	if e, ok := m.entries.Get(Entry{Key: k}); ok {
		m.mu.Unlock()
		done(e.Value, nil)
		return
	}
	m.waiters[k] = append(m.waiters[k], done)
	m.mu.Unlock()
}

func (m *MemoryStore) TryGet(key string) (string, error) {
	k := NormalizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries.Get(Entry{Key: k})
	if !ok {
		return "", status.Errorf(codes.NotFound, "config key %s not found", key)
	}
	return e.Value, nil
}

func (m *MemoryStore) Dir(directory string) []Entry {
	prefix := NormalizeKey(directory) + "/"
	var out []Entry
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keys are ordered, so the scan can stop at the first non-prefix key.
	m.entries.AscendGreaterOrEqual(Entry{Key: prefix}, func(e Entry) bool {
		if !strings.HasPrefix(e.Key, prefix) {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

func (m *MemoryStore) Delete(key string) error {
	k := NormalizeKey(key)
	prefix := k + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []Entry
	m.entries.AscendGreaterOrEqual(Entry{Key: prefix}, func(e Entry) bool {
		if !strings.HasPrefix(e.Key, prefix) {
			return false
		}
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		m.entries.Delete(e)
	}
	m.entries.Delete(Entry{Key: k})
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	waiters := m.waiters
	m.waiters = make(map[string][]ValueCallback)
	m.mu.Unlock()
	for key, ws := range waiters {
		for _, done := range ws {
			done("", status.Errorf(codes.Canceled, "store is shutting down, cancelling GetKeyValue for key: %s", key))
		}
	}
	return nil
}
