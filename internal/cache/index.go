package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/hdhq1504/chatsync/internal/bus"
	"github.com/hdhq1504/chatsync/internal/normalize"
	"github.com/hdhq1504/chatsync/internal/storage"
	"go.uber.org/zap"
)

// Index maps conversation keys to ordered message lists. Entries are loaded
// lazily from the persisted store, mutated in memory, and written back after
// every mutation. All mutations to one key are serialized through that key's
// entry lock, so interleaved async completions cannot clobber each other's
// read-modify-write cycles.
//
// Invariant per key: messages are unique by ID and ordered by ascending
// timestamp.
type Index struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   *storage.Store
	bus     *bus.Bus
	logger  *zap.Logger
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	msgs   []normalize.Message
	subs   []subscriber
	nextID int
}

type subscriber struct {
	id int
	fn func(normalize.Message)
}

// AppendedPayload is the bus payload for message.appended events.
type AppendedPayload struct {
	Key     string
	Message normalize.Message
}

// NewIndex creates a cache index backed by the given store. The bus may be
// nil; subscribers registered through Subscribe are notified either way.
func NewIndex(store *storage.Store, b *bus.Bus, logger *zap.Logger) *Index {
	return &Index{
		entries: make(map[string]*entry),
		store:   store,
		bus:     b,
		logger:  logger,
	}
}

func (ix *Index) entryFor(key string) *entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[key]
	if !ok {
		e = &entry{}
		ix.entries[key] = e
	}
	return e
}

// load fills the entry from the persisted store on first touch.
// Caller holds e.mu.
func (ix *Index) load(key string, e *entry) {
	if e.loaded {
		return
	}
	var msgs []normalize.Message
	if ix.store.Get(StorageKey(key), &msgs) {
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
		e.msgs = msgs
	}
	e.loaded = true
}

// persist writes the entry's current list back. Caller holds e.mu.
// Storage failures are already logged by the store; the in-memory copy
// stays authoritative for this process either way.
func (ix *Index) persist(key string, e *entry) {
	ix.store.Set(StorageKey(key), e.msgs)
}

// Get returns a copy of the ordered message list for key, loading it from
// the persisted store on a memory miss.
func (ix *Index) Get(key string) []normalize.Message {
	e := ix.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	ix.load(key, e)
	out := make([]normalize.Message, len(e.msgs))
	copy(out, e.msgs)
	return out
}

// Append inserts one message in timestamp order, persists, and notifies
// subscribers synchronously in registration order. A message whose ID is
// already present is dropped and false is returned.
func (ix *Index) Append(key string, msg normalize.Message) bool {
	e := ix.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	ix.load(key, e)

	for _, existing := range e.msgs {
		if existing.ID == msg.ID {
			return false
		}
	}

	e.msgs = insertOrdered(e.msgs, msg)
	ix.persist(key, e)
	ix.notify(key, e, msg)
	return true
}

// Merge unions history messages into the entry, deduplicating by ID and
// restoring timestamp order. Returns the number of messages actually added.
// Used when paginated REST history arrives for a conversation that may have
// already received some of those messages live.
func (ix *Index) Merge(key string, msgs []normalize.Message) int {
	e := ix.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	ix.load(key, e)

	seen := make(map[string]struct{}, len(e.msgs))
	for _, m := range e.msgs {
		seen[m.ID] = struct{}{}
	}

	var added []normalize.Message
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		added = append(added, m)
	}
	if len(added) == 0 {
		return 0
	}

	e.msgs = append(e.msgs, added...)
	sort.SliceStable(e.msgs, func(i, j int) bool { return e.msgs[i].Timestamp < e.msgs[j].Timestamp })
	ix.persist(key, e)
	for _, m := range added {
		ix.notify(key, e, m)
	}
	return len(added)
}

// Replace swaps the message with oldID for the given replacement, keeping
// timestamp order. This is how an optimistic echo's client-generated id is
// reconciled with the server-assigned one, so a later history fetch cannot
// duplicate the same logical message. Returns false if oldID is absent.
func (ix *Index) Replace(key, oldID string, replacement normalize.Message) bool {
	e := ix.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	ix.load(key, e)

	for i, m := range e.msgs {
		if m.ID == oldID {
			e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
			e.msgs = insertOrdered(e.msgs, replacement)
			ix.persist(key, e)
			ix.notify(key, e, replacement)
			return true
		}
	}
	return false
}

// Delete clears a conversation from memory and the persisted store.
func (ix *Index) Delete(key string) {
	e := ix.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = nil
	e.loaded = true
	ix.store.Remove(StorageKey(key))
}

// Subscribe registers a callback invoked synchronously for every message
// added to key, in registration order. Callbacks run with the entry locked
// and must not call back into the Index for the same key. Subscriptions are
// in-memory only and do not survive a process restart.
func (ix *Index) Subscribe(key string, fn func(normalize.Message)) func() {
	e := ix.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// notify invokes subscribers and mirrors the event on the bus.
// Caller holds e.mu.
func (ix *Index) notify(key string, e *entry, msg normalize.Message) {
	for _, s := range e.subs {
		s.fn(msg)
	}
	if ix.bus != nil {
		ix.bus.Publish(bus.Event{
			Kind:      bus.KindMessageAppended,
			Timestamp: time.Now(),
			Payload:   AppendedPayload{Key: key, Message: msg},
		})
	}
}

// insertOrdered places msg at its timestamp position, after any existing
// messages with the same timestamp so arrival order breaks ties.
func insertOrdered(msgs []normalize.Message, msg normalize.Message) []normalize.Message {
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp > msg.Timestamp })
	msgs = append(msgs, normalize.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	return msgs
}
