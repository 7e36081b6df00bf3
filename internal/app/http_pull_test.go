package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"central/api/internal/store"
)

func getWithKey(t *testing.T, server *HTTPServer, path, header, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set(header, key)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestMobilePull_RequiresKey(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := getWithKey(t, server, "/api/mobile/pull?user_id=u1", mobileKeyHeader, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestMobilePull_MissingUserID(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := getWithKey(t, server, "/api/mobile/pull", mobileKeyHeader, "mobile-secret")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestMobilePull_InvalidCursor(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := getWithKey(t, server, "/api/mobile/pull?user_id=u1&since=yesterday", mobileKeyHeader, "mobile-secret")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestMobilePull_ReturnsEntriesWithTombstones(t *testing.T) {
	note := "kept locally"
	server := newTestServer(&fakeStore{
		listEntriesFn: func(_ context.Context, q store.EntryQuery) ([]store.Entry, error) {
			return []store.Entry{
				{
					ID:           "e2",
					UserID:       q.UserID,
					Timestamp:    time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
					Note:         &note,
					LastModified: time.Date(2025, 1, 2, 0, 0, 5, 0, time.UTC),
				},
				{
					ID:           "e1",
					UserID:       q.UserID,
					Timestamp:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
					Deleted:      true,
					LastModified: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
				},
			}, nil
		},
	})

	rr := getWithKey(t, server, "/api/mobile/pull?user_id=u1&since=2025-01-01T00:00:00Z", mobileKeyHeader, "mobile-secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response struct {
		Entries []EntryPayload `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(response.Entries))
	}
	if response.Entries[0].ID != "e2" {
		t.Errorf("expected event-time descending order preserved, got %v", response.Entries)
	}
	if !response.Entries[1].Deleted {
		t.Errorf("tombstone must be delivered, not hidden")
	}
	if response.Entries[1].LastModified != "2025-01-03T00:00:00Z" {
		t.Errorf("unexpected last_modified: %q", response.Entries[1].LastModified)
	}
}

func TestProEntries_RequiresKey(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := getWithKey(t, server, "/api/pro/entries?user_id=u1", proKeyHeader, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestProEntries_ReturnsEntries(t *testing.T) {
	var gotQuery store.EntryQuery
	server := newTestServer(&fakeStore{
		listEntriesFn: func(_ context.Context, q store.EntryQuery) ([]store.Entry, error) {
			gotQuery = q
			return nil, nil
		},
	})

	rr := getWithKey(t, server, "/api/pro/entries?user_id=u1", proKeyHeader, "pro-secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotQuery.Limit != proPullLimit {
		t.Errorf("expected pro row cap, got %d", gotQuery.Limit)
	}
}

func TestProUsers_ReturnsUsers(t *testing.T) {
	server := newTestServer(&fakeStore{
		listUsersFn: func(context.Context, int) ([]store.User, error) {
			return []store.User{{ID: "u1", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}}, nil
		},
	})

	rr := getWithKey(t, server, "/api/pro/users", proKeyHeader, "pro-secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var response struct {
		Users []UserSummary `json:"users"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response.Users) != 1 || response.Users[0].ID != "u1" {
		t.Errorf("unexpected users payload: %v", response.Users)
	}
}

func TestCentralEndpoints_NoKeyRequired(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := getWithKey(t, server, "/api/central/users", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("central users should not require a channel key, got %d", rr.Code)
	}

	rr = getWithKey(t, server, "/api/central/entries?user_id=u1", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("central entries should not require a channel key, got %d", rr.Code)
	}
}

func TestCentralEntries_MissingUserID(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := getWithKey(t, server, "/api/central/entries", "", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}
