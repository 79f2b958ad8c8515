package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hdhq1504/chatsync/internal/normalize"
	"github.com/hdhq1504/chatsync/internal/storage"
	"go.uber.org/zap"
)

func testIndex(t *testing.T) (*Index, *storage.Store) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "store.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewIndex(s, nil, zap.NewNop()), s
}

func msg(id string, ts int64) normalize.Message {
	return normalize.Message{
		ID: id, SenderID: "1", ReceiverID: "2", Content: "c-" + id,
		Type: normalize.TypeText, Timestamp: ts,
		ChatID: "1_2", ChatType: normalize.ChatContact, Sender: normalize.SideSelf,
	}
}

func TestAppendThenGetTail(t *testing.T) {
	ix, _ := testIndex(t)
	key := PairKey("1", "2")

	ix.Append(key, msg("a", 100))
	ix.Append(key, msg("b", 200))

	got := ix.Get(key)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[1].ID != "b" {
		t.Errorf("tail = %q, want b", got[1].ID)
	}
}

func TestAppendKeepsTimestampOrder(t *testing.T) {
	ix, _ := testIndex(t)
	key := PairKey("1", "2")

	ix.Append(key, msg("late", 300))
	ix.Append(key, msg("early", 100))
	ix.Append(key, msg("mid", 200))

	got := ix.Get(key)
	want := []string{"early", "mid", "late"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestAppendDeduplicatesByID(t *testing.T) {
	ix, _ := testIndex(t)
	key := PairKey("1", "2")

	if !ix.Append(key, msg("a", 100)) {
		t.Fatal("first Append() = false")
	}
	// Same id arriving again from a second delivery path.
	if ix.Append(key, msg("a", 150)) {
		t.Error("duplicate Append() = true, want false")
	}
	if got := ix.Get(key); len(got) != 1 {
		t.Errorf("got %d messages, want 1", len(got))
	}
}

func TestPersistReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	s, err := storage.Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ix := NewIndex(s, nil, zap.NewNop())
	key := PairKey("1", "2")
	ix.Append(key, msg("a", 100))
	ix.Append(key, msg("b", 200))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a process restart: fresh store, fresh index.
	s2, err := storage.Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	ix2 := NewIndex(s2, nil, zap.NewNop())

	got := ix2.Get(key)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("reloaded list = %v, want [a b] in order", ids(got))
	}
}

func TestMergeDeduplicatesAgainstLive(t *testing.T) {
	ix, _ := testIndex(t)
	key := PairKey("1", "2")

	// A live message arrived over the socket first.
	ix.Append(key, msg("b", 200))

	// Then a history page containing it plus older messages.
	added := ix.Merge(key, []normalize.Message{msg("a", 100), msg("b", 200), msg("c", 300)})
	if added != 2 {
		t.Errorf("Merge() added %d, want 2", added)
	}

	got := ix.Get(key)
	want := []string{"a", "b", "c"}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestReplaceSwapsOptimisticID(t *testing.T) {
	ix, _ := testIndex(t)
	key := RoomKey("42")

	local := msg("local-abc", 100)
	ix.Append(key, local)

	confirmed := local
	confirmed.ID = "srv-1"
	if !ix.Replace(key, "local-abc", confirmed) {
		t.Fatal("Replace() = false")
	}

	got := ix.Get(key)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1 after replace", len(got))
	}
	if got[0].ID != "srv-1" {
		t.Errorf("id = %q, want srv-1", got[0].ID)
	}

	if ix.Replace(key, "local-abc", confirmed) {
		t.Error("Replace() = true for already-replaced id")
	}
}

func TestSubscribeOrderAndUnsubscribe(t *testing.T) {
	ix, _ := testIndex(t)
	key := PairKey("1", "2")

	var order []string
	unsub1 := ix.Subscribe(key, func(m normalize.Message) { order = append(order, "first:"+m.ID) })
	defer unsub1()
	unsub2 := ix.Subscribe(key, func(m normalize.Message) { order = append(order, "second:"+m.ID) })

	ix.Append(key, msg("a", 100))

	if len(order) != 2 || order[0] != "first:a" || order[1] != "second:a" {
		t.Errorf("notification order = %v, want [first:a second:a]", order)
	}

	unsub2()
	ix.Append(key, msg("b", 200))
	if len(order) != 3 || order[2] != "first:b" {
		t.Errorf("after unsubscribe order = %v, want first:b appended only", order)
	}
}

func TestDeleteClearsMemoryAndStore(t *testing.T) {
	ix, s := testIndex(t)
	key := PairKey("1", "2")

	ix.Append(key, msg("a", 100))
	ix.Delete(key)

	if got := ix.Get(key); len(got) != 0 {
		t.Errorf("got %d messages after Delete, want 0", len(got))
	}
	var persisted []normalize.Message
	if s.Get(StorageKey(key), &persisted) {
		t.Error("persisted entry survived Delete")
	}
}

// Concurrent appends to one key must all survive: the per-key lock covers
// the whole read-append-persist cycle.
func TestConcurrentAppendsAllSurvive(t *testing.T) {
	ix, _ := testIndex(t)
	key := PairKey("1", "2")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ix.Append(key, msg(fmt.Sprintf("m%03d", i), int64(i)))
		}(i)
	}
	wg.Wait()

	if got := ix.Get(key); len(got) != n {
		t.Errorf("got %d messages, want %d", len(got), n)
	}
}

func ids(msgs []normalize.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
