package rest

import (
	"context"
	"net/http"
	"net/url"
)

// Member is one room participant.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Room is the backend's room resource.
type Room struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

// CreateRoom creates a room with the given members.
func (c *Client) CreateRoom(ctx context.Context, name string, memberIDs []string) (*Room, error) {
	var room Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", nil,
		map[string]any{"name": name, "memberIds": memberIDs}, &room)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms fetches the rooms the current user belongs to.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// RenameRoom changes a room's display name.
func (c *Client) RenameRoom(ctx context.Context, roomID, name string) error {
	return c.do(ctx, http.MethodPut, "/api/rooms/"+url.PathEscape(roomID), nil,
		map[string]string{"name": name}, nil)
}

// DeleteRoom removes a room.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(roomID), nil, nil, nil)
}

// AddMember adds a user to a room.
func (c *Client) AddMember(ctx context.Context, roomID, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/members", nil,
		map[string]string{"userId": userID}, nil)
}

// RemoveMember removes a user from a room.
func (c *Client) RemoveMember(ctx context.Context, roomID, userID string) error {
	return c.do(ctx, http.MethodDelete,
		"/api/rooms/"+url.PathEscape(roomID)+"/members/"+url.PathEscape(userID), nil, nil, nil)
}
