package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/record"
)

// Memory is an in-memory Store for tests and ephemeral setups.
// SetUnavailable simulates a network partition: every operation fails
// with common.ErrRemoteUnavailable while set.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]*record.Document
	unavailable bool
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]*record.Document),
		now:         time.Now,
	}
}

// SetUnavailable toggles the simulated partition.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// SetClock overrides the time source for deterministic lastUpdate
// values in tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) GetByID(_ context.Context, collection, id string) (*record.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, common.ErrRemoteUnavailable
	}
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) StreamCollection(_ context.Context, collection string, filters []Filter) <-chan StreamItem {
	ch := make(chan StreamItem)
	go func() {
		defer close(ch)
		m.mu.Lock()
		if m.unavailable {
			m.mu.Unlock()
			ch <- StreamItem{Err: common.ErrRemoteUnavailable}
			return
		}
		type pair struct {
			id  string
			doc *record.Document
		}
		var matched []pair
		for id, doc := range m.collections[collection] {
			if matchFilters(doc, filters) {
				matched = append(matched, pair{id: id, doc: doc.Clone()})
			}
		}
		m.mu.Unlock()

		sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
		for _, p := range matched {
			ch <- StreamItem{ID: p.id, Doc: p.doc}
		}
	}()
	return ch
}

func (m *Memory) SetDocument(_ context.Context, collection, id string, fields record.Fields, opts ...SetOption) error {
	cfg := applySetOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return common.ErrRemoteUnavailable
	}

	existing := m.collections[collection][id]
	if cfg.precondition && existing != nil && !existing.LastUpdate.Equal(cfg.lastSeen) {
		return common.ErrVersionConflict
	}

	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]*record.Document)
	}
	m.collections[collection][id] = &record.Document{
		Fields:     fields.Clone(),
		LastUpdate: m.now(),
	}
	return nil
}

func (m *Memory) DeleteDocument(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return common.ErrRemoteUnavailable
	}
	delete(m.collections[collection], id)
	return nil
}
