package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hdhq1504/chatsync/internal/auth"
	"github.com/hdhq1504/chatsync/internal/storage"
	"go.uber.org/zap"
)

func testAuth(t *testing.T) *auth.Manager {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "store.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return auth.NewManager(s, zap.NewNop())
}

func writeEnvelope(w http.ResponseWriter, status, message string, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"message": message,
		"data":    data,
	})
}

func TestEnvelopeUnwrap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users" {
			t.Errorf("path = %q", r.URL.Path)
		}
		writeEnvelope(w, "success", "", []map[string]any{{"id": "1", "username": "alice"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(t), zap.NewNop())
	users, err := c.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 1 || users[0].Username != "alice" {
		t.Errorf("users = %+v", users)
	}
}

func TestFailureStatusBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeEnvelope(w, "error", "room name taken", nil)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(t), zap.NewNop())
	_, err := c.CreateRoom(context.Background(), "general", []string{"1", "2"})
	if err == nil {
		t.Fatal("CreateRoom() error = nil")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type %T, want *APIError", err)
	}
	if apiErr.HTTPStatus != http.StatusBadRequest || apiErr.Message != "room name taken" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	am := testAuth(t)
	am.SetSession(auth.User{ID: "1", Username: "alice"}, "stale", "refresh-1")

	var refreshed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/refresh":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["refreshToken"] != "refresh-1" {
				t.Errorf("refreshToken = %q", body["refreshToken"])
			}
			refreshed = true
			writeEnvelope(w, "success", "", map[string]string{"token": "fresh", "refreshToken": "refresh-2"})
		case "/api/users":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				writeEnvelope(w, "error", "expired", nil)
				return
			}
			writeEnvelope(w, "success", "", []map[string]any{})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, am, zap.NewNop())
	if _, err := c.ListUsers(context.Background()); err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if !refreshed {
		t.Error("refresh endpoint never hit")
	}
	if am.AccessToken() != "fresh" || am.RefreshToken() != "refresh-2" {
		t.Error("rotated tokens not stored")
	}
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	am := testAuth(t)
	am.SetSession(auth.User{ID: "1"}, "stale", "bad-refresh")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			w.WriteHeader(http.StatusForbidden)
			writeEnvelope(w, "error", "refresh token revoked", nil)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		writeEnvelope(w, "error", "expired", nil)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, am, zap.NewNop())
	if _, err := c.ListUsers(context.Background()); err == nil {
		t.Fatal("ListUsers() error = nil, want refresh failure")
	}
	if am.LoggedIn() {
		t.Error("session survived a failed refresh")
	}
}

func TestDirectMessagesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("user1") != "1" || q.Get("user2") != "2" {
			t.Errorf("participants = %q/%q", q.Get("user1"), q.Get("user2"))
		}
		if q.Get("page") != "3" || q.Get("size") != "25" {
			t.Errorf("page/size = %q/%q", q.Get("page"), q.Get("size"))
		}
		writeEnvelope(w, "success", "", []map[string]any{
			{"id": "m1", "sender_id": "1", "receiver_id": "2", "message": "hi"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(t), zap.NewNop())
	rows, err := c.DirectMessages(context.Background(), "1", "2", 3, 25)
	if err != nil {
		t.Fatalf("DirectMessages() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "m1" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestSendMessageReturnsRawEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RoomID != "42" || req.Content != "hi" {
			t.Errorf("req = %+v", req)
		}
		writeEnvelope(w, "success", "", map[string]any{
			"id": "srv-9", "senderId": "1", "roomId": "42",
			"content": "hi", "clientMsgId": req.ClientMsgID,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAuth(t), zap.NewNop())
	echo, err := c.SendMessage(context.Background(), SendMessageRequest{
		SenderID: "1", RoomID: "42", Content: "hi", Type: "text", ClientMsgID: "c-1",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if echo["id"] != "srv-9" {
		t.Errorf("echo id = %v, want srv-9", echo["id"])
	}
}
