package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"central/api/internal/store"
)

func postJSON(t *testing.T, server *HTTPServer, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		header := mobileKeyHeader
		if strings.HasPrefix(path, "/api/pro/") {
			header = proKeyHeader
		}
		req.Header.Set(header, key)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestMobileSync_MissingKeyRejected(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := postJSON(t, server, "/api/mobile/sync", "", `{"user":{"id":"u1"}}`)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestMobileSync_WrongKeyRejected(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := postJSON(t, server, "/api/mobile/sync", "wrong", `{"user":{"id":"u1"}}`)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestMobileSync_UnconfiguredChannelRejectsAll(t *testing.T) {
	svc := New(testConfig(), &fakeStore{}, nil)
	svc.cfg.MobileKey = ""
	server := NewHTTPServer(svc, "*", nil, nil)

	rr := postJSON(t, server, "/api/mobile/sync", "", `{"user":{"id":"u1"}}`)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 when no secret configured, got %d", rr.Code)
	}
}

func TestMobileSync_MissingUserIDIsBadRequest(t *testing.T) {
	var storeCalled bool
	server := newTestServer(&fakeStore{
		syncEntriesFn: func(context.Context, []store.Entry) ([]string, error) {
			storeCalled = true
			return nil, nil
		},
	})

	rr := postJSON(t, server, "/api/mobile/sync", "mobile-secret",
		`{"entries":[{"id":"e1","ts":"2025-01-01T00:00:00Z"}]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if storeCalled {
		t.Errorf("nothing may be committed when the batch has no user id")
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if _, exists := response["error"]; !exists {
		t.Errorf("expected an error message, got %v", response)
	}
}

func TestMobileSync_InvalidJSONBody(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := postJSON(t, server, "/api/mobile/sync", "mobile-secret", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestMobileSync_ReturnsAppliedIDs(t *testing.T) {
	server := newTestServer(&fakeStore{
		syncEntriesFn: func(_ context.Context, entries []store.Entry) ([]string, error) {
			// Simulate one record losing the merge.
			ids := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.ID != "stale" {
					ids = append(ids, e.ID)
				}
			}
			return ids, nil
		},
	})

	body := `{
		"user": {"id": "u1", "label": "Phone"},
		"entries": [
			{"id": "e1", "ts": "2025-01-01T00:00:00Z", "mood": 3, "last_modified": "2025-01-01T00:00:00Z"},
			{"id": "stale", "ts": "2025-01-01T00:00:00Z", "last_modified": "2024-01-01T00:00:00Z"}
		]
	}`
	rr := postJSON(t, server, "/api/mobile/sync", "mobile-secret", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response struct {
		Status    string   `json:"status"`
		SyncedIDs []string `json:"synced_ids"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.Status != "ok" {
		t.Errorf("expected status ok, got %q", response.Status)
	}
	if len(response.SyncedIDs) != 1 || response.SyncedIDs[0] != "e1" {
		t.Errorf("expected synced_ids [e1], got %v", response.SyncedIDs)
	}
}

type fakeLimiter struct {
	allowed bool
	err     error
	lastKey string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (bool, error) {
	f.lastKey = key
	return f.allowed, f.err
}

func TestMobileSync_RateLimited(t *testing.T) {
	lim := &fakeLimiter{allowed: false}
	server := NewHTTPServer(newTestService(&fakeStore{}), "*", lim, nil)

	rr := postJSON(t, server, "/api/mobile/sync", "mobile-secret", `{"user":{"id":"u1"}}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rr.Code)
	}
	if !strings.HasPrefix(lim.lastKey, "mobile:") {
		t.Errorf("limiter key should carry the channel, got %q", lim.lastKey)
	}
}

func TestMobileSync_LimiterFailureFailsOpen(t *testing.T) {
	lim := &fakeLimiter{allowed: false, err: context.DeadlineExceeded}
	server := NewHTTPServer(newTestService(&fakeStore{}), "*", lim, nil)

	rr := postJSON(t, server, "/api/mobile/sync", "mobile-secret", `{"user":{"id":"u1"}}`)
	if rr.Code != http.StatusOK {
		t.Errorf("limiter errors must not block pushes, got %d", rr.Code)
	}
}

func TestProSync_MissingEmailIsBadRequest(t *testing.T) {
	server := newTestServer(&fakeStore{})

	rr := postJSON(t, server, "/api/pro/sync", "pro-secret", `{"notes":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestProSync_ReturnsAppliedIDs(t *testing.T) {
	server := newTestServer(&fakeStore{})

	body := `{
		"professional_email": "doc@example.org",
		"notes": [
			{"id": "n1", "user_id": "u1", "ts": "2025-01-01T00:00:00Z", "note": "summary", "last_modified": "2025-01-01T00:00:00Z"}
		]
	}`
	rr := postJSON(t, server, "/api/pro/sync", "pro-secret", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response struct {
		Status    string   `json:"status"`
		SyncedIDs []string `json:"synced_ids"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response.SyncedIDs) != 1 || response.SyncedIDs[0] != "n1" {
		t.Errorf("expected synced_ids [n1], got %v", response.SyncedIDs)
	}
}

func TestProSync_MobileKeyDoesNotCross(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/pro/sync", strings.NewReader(`{"professional_email":"doc@example.org"}`))
	req.Header.Set(proKeyHeader, "mobile-secret")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("channel secrets must be independent, got %d", rr.Code)
	}
}
