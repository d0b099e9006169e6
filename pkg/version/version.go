// Package version implements the store's version history: a per-key,
// insertion-ordered list of prior record states, with pluggable
// COUNT/TIME/SIZE/NONE retention applied after every append.
package version

import (
	"sort"
	"sync"
	"time"

	"github.com/kasuganosora/vaultstore/pkg/apierr"
	"github.com/kasuganosora/vaultstore/pkg/valuetype"
)

// RetentionKind selects which bound a policy enforces.
type RetentionKind int

const (
	RetentionNone RetentionKind = iota
	RetentionCount
	RetentionTime
	RetentionSize
)

// RetentionPolicy bounds a key's version history. Exactly one of
// MaxCount/MaxAge/MaxSize is consulted, per Kind.
type RetentionPolicy struct {
	Kind     RetentionKind
	MaxCount int
	MaxAge   time.Duration
	MaxSize  int64
}

// Entry is an immutable version pre-image: the data as it stood before
// an overwrite, when it was captured, its estimated byte size, and the
// operation tag ("set"/"delete") that produced it.
type Entry struct {
	Data      valuetype.Record
	Timestamp time.Time
	Size      int64
	Operation string
}

// history is a single key's version list, oldest first.
type history struct {
	mu      sync.Mutex
	enabled bool
	policy  RetentionPolicy
	entries []Entry
}

// Manager is the VersionManager: a registry of per-key histories.
type Manager struct {
	mu            sync.RWMutex
	histories     map[string]*history
	defaultPolicy RetentionPolicy
}

// NewManager creates an empty VersionManager. defaultPolicy is applied to
// keys enabled without an explicit policy.
func NewManager(defaultPolicy RetentionPolicy) *Manager {
	return &Manager{
		histories:     make(map[string]*history),
		defaultPolicy: defaultPolicy,
	}
}

// Enable turns on versioning for key, with the given policy (or the
// manager's default policy if nil).
func (m *Manager) Enable(key string, policy *RetentionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[key]
	if !ok {
		h = &history{}
		m.histories[key] = h
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = true
	if policy != nil {
		h.policy = *policy
	} else {
		h.policy = m.defaultPolicy
	}
}

// Disable turns off versioning for key and discards its history.
func (m *Manager) Disable(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, key)
}

// IsEnabled reports whether versioning is active for key.
func (m *Manager) IsEnabled(key string) bool {
	m.mu.RLock()
	h, ok := m.histories[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// AddVersion appends a pre-image for key and applies retention. A no-op
// if versioning is not enabled for key.
func (m *Manager) AddVersion(key string, data valuetype.Record, operation string) {
	m.mu.RLock()
	h, ok := m.histories[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return
	}
	entry := Entry{
		Data:      data.Clone(),
		Timestamp: time.Now(),
		Size:      estimateSize(data),
		Operation: operation,
	}
	h.entries = append(h.entries, entry)
	applyRetention(h)
}

func applyRetention(h *history) {
	switch h.policy.Kind {
	case RetentionCount:
		if h.policy.MaxCount > 0 && len(h.entries) > h.policy.MaxCount {
			drop := len(h.entries) - h.policy.MaxCount
			h.entries = h.entries[drop:]
		}
	case RetentionTime:
		if h.policy.MaxAge > 0 {
			cutoff := time.Now().Add(-h.policy.MaxAge)
			i := 0
			for i < len(h.entries) && h.entries[i].Timestamp.Before(cutoff) {
				i++
			}
			h.entries = h.entries[i:]
		}
	case RetentionSize:
		if h.policy.MaxSize > 0 {
			total := int64(0)
			for _, e := range h.entries {
				total += e.Size
			}
			i := 0
			for total > h.policy.MaxSize && i < len(h.entries) {
				total -= h.entries[i].Size
				i++
			}
			h.entries = h.entries[i:]
		}
	case RetentionNone:
		// unbounded
	}
}

func estimateSize(r valuetype.Record) int64 {
	var walk func(v valuetype.Value) int64
	walk = func(v valuetype.Value) int64 {
		switch v.Kind() {
		case valuetype.KindString:
			return int64(len(v.AsString()))
		case valuetype.KindNumber, valuetype.KindBool:
			return 8
		case valuetype.KindNull:
			return 1
		case valuetype.KindMap:
			var n int64
			for k, vv := range v.AsMap() {
				n += int64(len(k)) + walk(vv)
			}
			return n
		case valuetype.KindSlice:
			var n int64
			for _, vv := range v.AsSlice() {
				n += walk(vv)
			}
			return n
		}
		return 0
	}
	var total int64
	for k, v := range r {
		total += int64(len(k)) + walk(v)
	}
	return total
}

// GetVersion returns the i-th entry for key. Negative indexes count from
// the newest entry (-1 is the most recent).
func (m *Manager) GetVersion(key string, i int) (Entry, bool) {
	h := m.get(key)
	if h == nil {
		return Entry{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := i
	if idx < 0 {
		idx = len(h.entries) + idx
	}
	if idx < 0 || idx >= len(h.entries) {
		return Entry{}, false
	}
	return h.entries[idx], true
}

// GetLatest returns the most recently added entry for key.
func (m *Manager) GetLatest(key string) (Entry, bool) { return m.GetVersion(key, -1) }

// GetOldest returns the oldest retained entry for key.
func (m *Manager) GetOldest(key string) (Entry, bool) { return m.GetVersion(key, 0) }

// GetVersionsInRange returns entries with Timestamp in [start, end],
// either bound may be nil to mean unbounded.
func (m *Manager) GetVersionsInRange(key string, start, end *time.Time) []Entry {
	h := m.get(key)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, 0, len(h.entries))
	for _, e := range h.entries {
		if start != nil && e.Timestamp.Before(*start) {
			continue
		}
		if end != nil && e.Timestamp.After(*end) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports how many entries key currently retains.
func (m *Manager) Len(key string) int {
	h := m.get(key)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (m *Manager) get(key string) *history {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.histories[key]
}

// RemoveOlderThan drops, across every enabled key, entries older than
// maxAge.
func (m *Manager) RemoveOlderThan(maxAge time.Duration) {
	m.mu.RLock()
	histories := make([]*history, 0, len(m.histories))
	for _, h := range m.histories {
		histories = append(histories, h)
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge)
	for _, h := range histories {
		h.mu.Lock()
		i := 0
		for i < len(h.entries) && h.entries[i].Timestamp.Before(cutoff) {
			i++
		}
		h.entries = h.entries[i:]
		h.mu.Unlock()
	}
}

// Clear discards every key's history.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories = make(map[string]*history)
}

// Dump is the export()/import() wire shape: per-key ordered entries.
type Dump struct {
	Keys map[string][]Entry
}

// Export snapshots every enabled key's history, in insertion order,
// with timestamps preserved.
func (m *Manager) Export() Dump {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Dump{Keys: make(map[string][]Entry, len(m.histories))}
	for k, h := range m.histories {
		h.mu.Lock()
		cp := make([]Entry, len(h.entries))
		copy(cp, h.entries)
		h.mu.Unlock()
		out.Keys[k] = cp
	}
	return out
}

// Import restores histories from a Dump. When merge is false, existing
// histories for keys present in the dump are replaced wholesale; when
// merge is true, dumped entries are appended and the combined list is
// re-sorted by timestamp before retention is reapplied.
func (m *Manager) Import(d Dump, merge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, entries := range d.Keys {
		h, ok := m.histories[k]
		if !ok {
			h = &history{enabled: true, policy: m.defaultPolicy}
			m.histories[k] = h
		}
		h.mu.Lock()
		if merge {
			h.entries = append(h.entries, entries...)
			sort.SliceStable(h.entries, func(i, j int) bool {
				return h.entries[i].Timestamp.Before(h.entries[j].Timestamp)
			})
			applyRetention(h)
		} else {
			h.entries = append([]Entry(nil), entries...)
		}
		h.mu.Unlock()
	}
}

// ErrNoHistory is returned by operations addressing a key with no
// history where the caller needs a typed error rather than a bool.
func ErrNoHistory(key string) *apierr.Error {
	return apierr.New(apierr.KindRecordNotFound, "no version history for key", map[string]interface{}{"key": key})
}
