package wallet

import (
	"container/list"
	"sync"
)

// EntryChecker answers whether an idempotency key has already been
// persisted. The durable store satisfies this; a nil checker means the
// in-memory index is the only tier.
type EntryChecker interface {
	EntryExists(key string) (bool, error)
}

// appliedIndex is the in-memory tier of duplicate detection. It keeps the
// most recent entries in an LRU so replayed requests are answered without a
// round trip to the store. Keys are claimed before the mutation is applied
// so two concurrent submissions of the same key cannot both proceed.
type appliedIndex struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element

	checker EntryChecker
}

type appliedItem struct {
	key     string
	entry   Entry
	settled bool
}

func newAppliedIndex(capacity int, checker EntryChecker) *appliedIndex {
	if capacity <= 0 {
		capacity = 100000
	}
	return &appliedIndex{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		checker:  checker,
	}
}

// begin claims key. It returns the prior entry and true when the key has
// already been applied, or false when the caller now holds the claim and
// must finish with commit or abort.
func (a *appliedIndex) begin(key string) (Entry, bool, error) {
	a.mu.Lock()
	if elem, ok := a.items[key]; ok {
		item := elem.Value.(*appliedItem)
		a.order.MoveToFront(elem)
		a.mu.Unlock()
		return item.entry, true, nil
	}
	a.mu.Unlock()

	if a.checker != nil {
		exists, err := a.checker.EntryExists(key)
		if err != nil {
			return Entry{}, false, err
		}
		if exists {
			return Entry{}, true, nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if elem, ok := a.items[key]; ok {
		item := elem.Value.(*appliedItem)
		return item.entry, true, nil
	}
	elem := a.order.PushFront(&appliedItem{key: key})
	a.items[key] = elem
	a.evict()
	return Entry{}, false, nil
}

// commit records the result for a claimed key.
func (a *appliedIndex) commit(key string, entry Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if elem, ok := a.items[key]; ok {
		item := elem.Value.(*appliedItem)
		item.entry = entry
		item.settled = true
	}
}

// abort releases a claim whose mutation failed so a retry can run.
func (a *appliedIndex) abort(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if elem, ok := a.items[key]; ok {
		a.order.Remove(elem)
		delete(a.items, key)
	}
}

func (a *appliedIndex) evict() {
	for a.order.Len() > a.capacity {
		oldest := a.order.Back()
		if oldest == nil {
			return
		}
		item := oldest.Value.(*appliedItem)
		if !item.settled {
			// Never evict an in-flight claim.
			a.order.MoveToFront(oldest)
			return
		}
		a.order.Remove(oldest)
		delete(a.items, item.key)
	}
}
