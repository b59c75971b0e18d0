package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smolin/medvault/internal/logging"
	"github.com/smolin/medvault/internal/record"
)

// Tracker holds the pending conflict set and notifies subscribers when
// a new conflict is detected, so a UI can present it to the operator.
type Tracker struct {
	log logging.Logger
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*Item
	subs    []chan *Item
}

func NewTracker(log logging.Logger) *Tracker {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Tracker{
		log:     log,
		now:     time.Now,
		pending: make(map[string]*Item),
	}
}

// Add registers a detected divergence for recordID and returns the new
// pending item.
func (t *Tracker) Add(ctx context.Context, recordID string, data *Data) *Item {
	item := &Item{
		ID:         uuid.NewString(),
		RecordID:   recordID,
		Data:       data,
		DetectedAt: t.now(),
		State:      StateDetected,
	}

	t.mu.Lock()
	t.pending[item.ID] = item
	subs := make([]chan *Item, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	t.log.Info(ctx, "conflict detected",
		"record_id", recordID, "conflict_id", item.ID,
		"fields", data.ConflictingFields)

	for _, ch := range subs {
		select {
		case ch <- item:
		default:
			// a slow subscriber misses the notification; the item
			// stays in the pending set and remains listable
		}
	}
	return item
}

// Pending returns the pending items, oldest first.
func (t *Tracker) Pending() []*Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Item, 0, len(t.pending))
	for _, item := range t.pending {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Get returns a pending item by id.
func (t *Tracker) Get(id string) (*Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.pending[id]
	return item, ok
}

// Subscribe returns a channel receiving newly detected items. The
// channel is buffered; listeners that fall behind miss notifications
// but can always recover the full set via Pending.
func (t *Tracker) Subscribe() <-chan *Item {
	ch := make(chan *Item, 16)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// MarkPresented moves a pending item from detected to presented.
func (t *Tracker) MarkPresented(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.pending[id]
	if !ok {
		return fmt.Errorf("unknown conflict %s", id)
	}
	if item.State != StateDetected {
		return fmt.Errorf("conflict %s already %s", id, item.State)
	}
	item.State = StatePresented
	return nil
}

// Resolve applies a strategy to a presented item, removes it from the
// pending set and returns the final field map. The state check and the
// transition happen under one lock, so concurrent Resolve calls for the
// same id cannot both succeed.
func (t *Tracker) Resolve(ctx context.Context, id string, strategy Strategy, fieldChoices map[string]Side) (record.Fields, error) {
	t.mu.Lock()
	item, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("unknown conflict %s", id)
	}

	fields, err := Resolve(item, strategy, fieldChoices)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	item.State = StateResolved
	delete(t.pending, id)
	t.mu.Unlock()

	t.log.Info(ctx, "conflict resolved",
		"record_id", item.RecordID, "conflict_id", id, "strategy", string(strategy))
	return fields, nil
}
