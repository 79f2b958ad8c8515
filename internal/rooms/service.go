package rooms

import (
	"context"
	"sync"

	"github.com/hdhq1504/chatsync/internal/cache"
	"github.com/hdhq1504/chatsync/internal/rest"
	"github.com/hdhq1504/chatsync/internal/storage"
	"go.uber.org/zap"
)

// Group is the locally persisted view of a room: the backend resource plus
// the client-side bookkeeping (last activity, unread counter) the backend
// does not track per device.
type Group struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Members         []rest.Member `json:"members"`
	LastMessageTime int64         `json:"lastMessageTime"`
	UnreadCount     int           `json:"unreadCount"`
	Type            string        `json:"type"`
}

// TopicSubscriber manages per-room topic subscriptions on the real-time
// transport. Implemented by both the live adapter and the mock transport.
type TopicSubscriber interface {
	SubscribeRoom(roomID string)
	UnsubscribeRoom(roomID string)
}

// Service keeps the group list in sync between the backend and the local
// store. The persisted mirror lives under the chat_groups key; all
// read-modify-write cycles on it go through the service mutex.
type Service struct {
	mu     sync.Mutex
	rest   *rest.Client
	cache  *cache.Index
	store  *storage.Store
	topics TopicSubscriber
	logger *zap.Logger
}

// NewService creates a room service. topics may be nil when no transport is
// running (e.g. in tests exercising only the mirror).
func NewService(rc *rest.Client, ix *cache.Index, st *storage.Store, topics TopicSubscriber, logger *zap.Logger) *Service {
	return &Service{
		rest:   rc,
		cache:  ix,
		store:  st,
		topics: topics,
		logger: logger,
	}
}

// Caller holds s.mu.
func (s *Service) loadGroups() []Group {
	var groups []Group
	s.store.Get(storage.KeyGroups, &groups)
	return groups
}

// Caller holds s.mu.
func (s *Service) saveGroups(groups []Group) {
	s.store.Set(storage.KeyGroups, groups)
}

// Groups returns the persisted group list.
func (s *Service) Groups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadGroups()
}

// Refresh fetches the room list from the backend and reconciles the local
// mirror, preserving client-side bookkeeping for rooms that survive. Topic
// subscriptions are established for every current room.
func (s *Service) Refresh(ctx context.Context) ([]Group, error) {
	rooms, err := s.rest.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := make(map[string]Group)
	for _, g := range s.loadGroups() {
		old[g.ID] = g
	}

	groups := make([]Group, 0, len(rooms))
	for _, r := range rooms {
		g := Group{ID: r.ID, Name: r.Name, Members: r.Members, Type: "group"}
		if prev, ok := old[r.ID]; ok {
			g.LastMessageTime = prev.LastMessageTime
			g.UnreadCount = prev.UnreadCount
		}
		groups = append(groups, g)
		if s.topics != nil {
			s.topics.SubscribeRoom(r.ID)
		}
	}
	s.saveGroups(groups)
	return groups, nil
}

// Create makes a room on the backend, mirrors it locally, and subscribes to
// its topic.
func (s *Service) Create(ctx context.Context, name string, memberIDs []string) (*Group, error) {
	room, err := s.rest.CreateRoom(ctx, name, memberIDs)
	if err != nil {
		return nil, err
	}

	g := Group{ID: room.ID, Name: room.Name, Members: room.Members, Type: "group"}
	s.mu.Lock()
	s.saveGroups(append(s.loadGroups(), g))
	s.mu.Unlock()

	if s.topics != nil {
		s.topics.SubscribeRoom(g.ID)
	}
	s.logger.Info("room created", zap.String("room", g.ID), zap.String("name", g.Name))
	return &g, nil
}

// Rename changes a room's display name on the backend and in the mirror.
func (s *Service) Rename(ctx context.Context, roomID, name string) error {
	if err := s.rest.RenameRoom(ctx, roomID, name); err != nil {
		return err
	}
	s.update(roomID, func(g *Group) { g.Name = name })
	return nil
}

// Delete removes a room everywhere: backend, local mirror, topic
// subscription, and the room's cached message history.
func (s *Service) Delete(ctx context.Context, roomID string) error {
	if err := s.rest.DeleteRoom(ctx, roomID); err != nil {
		return err
	}

	s.mu.Lock()
	groups := s.loadGroups()
	for i, g := range groups {
		if g.ID == roomID {
			groups = append(groups[:i], groups[i+1:]...)
			break
		}
	}
	s.saveGroups(groups)
	s.mu.Unlock()

	if s.topics != nil {
		s.topics.UnsubscribeRoom(roomID)
	}
	s.cache.Delete(cache.RoomKey(roomID))
	s.logger.Info("room deleted", zap.String("room", roomID))
	return nil
}

// AddMember adds a user to a room and records them in the mirror.
func (s *Service) AddMember(ctx context.Context, roomID, userID string) error {
	if err := s.rest.AddMember(ctx, roomID, userID); err != nil {
		return err
	}
	s.update(roomID, func(g *Group) {
		for _, m := range g.Members {
			if m.ID == userID {
				return
			}
		}
		g.Members = append(g.Members, rest.Member{ID: userID})
	})
	return nil
}

// RemoveMember removes a user from a room and from the mirror.
func (s *Service) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := s.rest.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	s.update(roomID, func(g *Group) {
		for i, m := range g.Members {
			if m.ID == userID {
				g.Members = append(g.Members[:i], g.Members[i+1:]...)
				return
			}
		}
	})
	return nil
}

// NoteMessage bumps a room's last-activity timestamp and, for messages from
// other participants, its unread counter. Called by the ingestion engine.
func (s *Service) NoteMessage(roomID string, timestamp int64, fromSelf bool) {
	s.update(roomID, func(g *Group) {
		if timestamp > g.LastMessageTime {
			g.LastMessageTime = timestamp
		}
		if !fromSelf {
			g.UnreadCount++
		}
	})
}

// MarkRead clears a room's unread counter.
func (s *Service) MarkRead(roomID string) {
	s.update(roomID, func(g *Group) { g.UnreadCount = 0 })
}

func (s *Service) update(roomID string, fn func(*Group)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := s.loadGroups()
	for i := range groups {
		if groups[i].ID == roomID {
			fn(&groups[i])
			s.saveGroups(groups)
			return
		}
	}
}
