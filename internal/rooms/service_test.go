package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"

	"github.com/hdhq1504/chatsync/internal/auth"
	"github.com/hdhq1504/chatsync/internal/bus"
	"github.com/hdhq1504/chatsync/internal/cache"
	"github.com/hdhq1504/chatsync/internal/normalize"
	"github.com/hdhq1504/chatsync/internal/rest"
	"github.com/hdhq1504/chatsync/internal/storage"
	"github.com/hdhq1504/chatsync/internal/transport"
	"go.uber.org/zap"
)

type fixture struct {
	service *Service
	cache   *cache.Index
	store   *storage.Store
	mock    *transport.Mock
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := storage.Open(filepath.Join(t.TempDir(), "store.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	am := auth.NewManager(st, zap.NewNop())
	am.SetSession(auth.User{ID: "1"}, "tok", "refresh")

	b := bus.New()
	ix := cache.NewIndex(st, b, zap.NewNop())
	mock := transport.NewMock(b)

	return &fixture{
		service: NewService(rest.NewClient(srv.URL, am, zap.NewNop()), ix, st, mock, zap.NewNop()),
		cache:   ix,
		store:   st,
		mock:    mock,
	}
}

func writeEnvelope(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": data})
}

func TestRefreshPreservesLocalBookkeeping(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []rest.Room{
			{ID: "42", Name: "general"},
			{ID: "43", Name: "random"},
		})
	}))
	f.store.Set(storage.KeyGroups, []Group{
		{ID: "42", Name: "old name", LastMessageTime: 99, UnreadCount: 3, Type: "group"},
		{ID: "40", Name: "gone", Type: "group"},
	})

	groups, err := f.service.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
	if groups[0].Name != "general" || groups[0].LastMessageTime != 99 || groups[0].UnreadCount != 3 {
		t.Errorf("surviving room lost bookkeeping: %+v", groups[0])
	}
	if groups[1].ID != "43" || groups[1].UnreadCount != 0 {
		t.Errorf("new room = %+v", groups[1])
	}

	subscribed := f.mock.SubscribedRooms()
	if !slices.Contains(subscribed, "42") || !slices.Contains(subscribed, "43") {
		t.Errorf("subscriptions = %v", subscribed)
	}
}

func TestDeleteClearsMirrorAndCache(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/rooms/42" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		writeEnvelope(w, nil)
	}))
	f.store.Set(storage.KeyGroups, []Group{{ID: "42", Name: "general", Type: "group"}})
	f.mock.SubscribeRoom("42")
	f.cache.Append(cache.RoomKey("42"), normalize.Message{
		ID: "m1", SenderID: "2", ReceiverID: "42", Content: "bye",
		Type: "text", Timestamp: 1000, ChatID: "42",
		ChatType: normalize.ChatRoom, Sender: normalize.SideOther,
	})

	if err := f.service.Delete(context.Background(), "42"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := f.service.Groups(); len(got) != 0 {
		t.Errorf("groups = %+v", got)
	}
	if got := f.cache.Get(cache.RoomKey("42")); len(got) != 0 {
		t.Errorf("room cache survived delete: %+v", got)
	}
	if len(f.mock.SubscribedRooms()) != 0 {
		t.Error("topic subscription survived delete")
	}
}

func TestNoteMessageAndMarkRead(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil)
	}))
	f.store.Set(storage.KeyGroups, []Group{{ID: "42", Type: "group"}})

	f.service.NoteMessage("42", 5000, false)
	f.service.NoteMessage("42", 4000, false) // older message must not move the clock back
	f.service.NoteMessage("42", 6000, true)  // own message bumps time but not unread

	g := f.service.Groups()[0]
	if g.LastMessageTime != 6000 {
		t.Errorf("lastMessageTime = %d, want 6000", g.LastMessageTime)
	}
	if g.UnreadCount != 2 {
		t.Errorf("unreadCount = %d, want 2", g.UnreadCount)
	}

	f.service.MarkRead("42")
	if got := f.service.Groups()[0].UnreadCount; got != 0 {
		t.Errorf("unreadCount after MarkRead = %d", got)
	}
}

func TestMembershipMirrored(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil)
	}))
	f.store.Set(storage.KeyGroups, []Group{{ID: "42", Members: []rest.Member{{ID: "1"}}, Type: "group"}})

	if err := f.service.AddMember(context.Background(), "42", "2"); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if got := f.service.Groups()[0].Members; len(got) != 2 {
		t.Errorf("members = %+v", got)
	}

	if err := f.service.RemoveMember(context.Background(), "42", "1"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	got := f.service.Groups()[0].Members
	if len(got) != 1 || got[0].ID != "2" {
		t.Errorf("members = %+v", got)
	}
}

func TestCreateMirrorsAndSubscribes(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, rest.Room{ID: "50", Name: "new room", Members: []rest.Member{{ID: "1"}, {ID: "2"}}})
	}))

	g, err := f.service.Create(context.Background(), "new room", []string{"1", "2"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if g.ID != "50" || g.Type != "group" {
		t.Errorf("group = %+v", g)
	}
	if got := f.service.Groups(); len(got) != 1 || got[0].ID != "50" {
		t.Errorf("mirror = %+v", got)
	}
	if got := f.mock.SubscribedRooms(); len(got) != 1 || got[0] != "50" {
		t.Errorf("subscriptions = %v", got)
	}
}
