// Package app holds the sync-channel service and its HTTP surface.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"central/api/internal/config"
	"central/api/internal/store"
)

// Row caps per surface, carried over from the original deployment. Pulls are
// bounded so a response can never grow without limit.
const (
	mobilePullLimit = 500
	proPullLimit    = 2000
	userListLimit   = 200
	maxListLimit    = 5000
)

type dataStore interface {
	Ping(context.Context) error
	UpsertUserProfile(context.Context, store.UserUpsert) error
	SyncEntries(context.Context, []store.Entry) ([]string, error)
	SyncProNotes(context.Context, []store.ProNote) ([]string, error)
	EnsureProfessional(context.Context, string) error
	ListUsers(context.Context, int) ([]store.User, error)
	ListEntries(context.Context, store.EntryQuery) ([]store.Entry, error)
}

// Service implements the push and pull operations behind both sync channels.
// Every request is an independent unit of work; no state is carried between
// calls.
type Service struct {
	cfg    config.Config
	store  dataStore
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg config.Config, dataStore dataStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		logger: logger,
		now:    time.Now,
	}
}

// Ping reports database connectivity for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UserPayload is a profile update embedded in a mobile push. The Has flags
// record which keys appeared in the JSON object: an absent key leaves the
// stored value untouched, while a present null clears it.
type UserPayload struct {
	ID        string
	Label     *string
	Consent   json.RawMessage
	ExtraData json.RawMessage

	HasLabel     bool
	HasConsent   bool
	HasExtraData bool
}

func (p *UserPayload) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &p.ID); err != nil {
			return err
		}
	}
	if raw, ok := fields["label"]; ok {
		p.HasLabel = true
		if err := json.Unmarshal(raw, &p.Label); err != nil {
			return err
		}
	}
	if raw, ok := fields["consent"]; ok {
		p.HasConsent = true
		if string(raw) != "null" {
			p.Consent = raw
		}
	}
	if raw, ok := fields["extra_data"]; ok {
		p.HasExtraData = true
		if string(raw) != "null" {
			p.ExtraData = raw
		}
	}
	return nil
}

// EntryInput is one journal record as pushed by the mobile app. Timestamps
// travel as ISO-8601 strings; a trailing Z is accepted.
type EntryInput struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Timestamp    string  `json:"ts"`
	Mood         *int    `json:"mood"`
	Stress       *int    `json:"stress"`
	Note         *string `json:"note"`
	Deleted      bool    `json:"deleted"`
	LastModified string  `json:"last_modified"`
}

// NoteInput is one professional note as pushed by the professional app.
type NoteInput struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Timestamp    string `json:"ts"`
	Note         string `json:"note"`
	Deleted      bool   `json:"deleted"`
	LastModified string `json:"last_modified"`
}

type MobileSyncInput struct {
	User    *UserPayload `json:"user"`
	Entries []EntryInput `json:"entries"`
}

type ProSyncInput struct {
	ProfessionalEmail string      `json:"professional_email"`
	Notes             []NoteInput `json:"notes"`
}

// SyncResult lists the ids that were actually applied. Stale and malformed
// records are excluded, not reported as errors, which keeps wholesale
// retries safe.
type SyncResult struct {
	Status    string   `json:"status"`
	SyncedIDs []string `json:"synced_ids"`
}

// EntryPayload is the wire form of a stored entry.
type EntryPayload struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Timestamp    string  `json:"ts"`
	Mood         *int    `json:"mood"`
	Stress       *int    `json:"stress"`
	Note         *string `json:"note"`
	Deleted      bool    `json:"deleted"`
	LastModified string  `json:"last_modified"`
}

// UserSummary is the wire form of a stored profile.
type UserSummary struct {
	ID        string          `json:"id"`
	Label     *string         `json:"label"`
	Consent   json.RawMessage `json:"consent"`
	ExtraData json.RawMessage `json:"extra_data"`
	CreatedAt string          `json:"created_at"`
}

// SyncMobile applies one mobile push: the embedded profile update first,
// then each entry through the reconciliation engine. The batch user id is
// the only hard requirement; individual malformed entries are dropped
// without aborting the rest.
func (s *Service) SyncMobile(ctx context.Context, in MobileSyncInput) (SyncResult, error) {
	if in.User == nil || strings.TrimSpace(in.User.ID) == "" {
		return SyncResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "user.id is required")
	}
	userID := strings.TrimSpace(in.User.ID)

	if err := s.store.UpsertUserProfile(ctx, store.UserUpsert{
		ID:           userID,
		Label:        in.User.Label,
		Consent:      in.User.Consent,
		ExtraData:    in.User.ExtraData,
		SetLabel:     in.User.HasLabel,
		SetConsent:   in.User.HasConsent,
		SetExtraData: in.User.HasExtraData,
	}); err != nil {
		return SyncResult{}, err
	}

	entries := make([]store.Entry, 0, len(in.Entries))
	for _, raw := range in.Entries {
		entry, ok := s.entryFromInput(raw, userID)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}

	applied, err := s.store.SyncEntries(ctx, entries)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Status: "ok", SyncedIDs: applied}, nil
}

// SyncProfessionalNotes applies one professional push and registers the
// authoring professional by email.
func (s *Service) SyncProfessionalNotes(ctx context.Context, in ProSyncInput) (SyncResult, error) {
	email := strings.TrimSpace(in.ProfessionalEmail)
	if email == "" {
		return SyncResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "professional_email is required")
	}

	if err := s.store.EnsureProfessional(ctx, email); err != nil {
		return SyncResult{}, err
	}

	notes := make([]store.ProNote, 0, len(in.Notes))
	for _, raw := range in.Notes {
		note, ok := s.noteFromInput(raw, email)
		if !ok {
			continue
		}
		notes = append(notes, note)
	}

	applied, err := s.store.SyncProNotes(ctx, notes)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Status: "ok", SyncedIDs: applied}, nil
}

// PullEntries serves the cursor-based pull for one user. With a cursor the
// response always carries tombstones, since a deletion is itself a change
// the client must learn about; without one, tombstones are hidden unless
// asked for.
func (s *Service) PullEntries(ctx context.Context, userID, since string, includeDeleted bool, limit int) ([]EntryPayload, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "user_id is required")
	}

	query := store.EntryQuery{
		UserID:         userID,
		IncludeDeleted: includeDeleted,
		Limit:          clampLimit(limit, mobilePullLimit),
	}
	if strings.TrimSpace(since) != "" {
		cursor, err := parseTimestamp(since)
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "since must be a valid ISO timestamp (e.g. 2025-12-14T10:30:00Z)")
		}
		query.Since = &cursor
		query.IncludeDeleted = true
	}

	entries, err := s.store.ListEntries(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]EntryPayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryPayload(e))
	}
	return out, nil
}

// ReviewEntries is the professional-channel read over a user's entries,
// same pull semantics with a larger row cap.
func (s *Service) ReviewEntries(ctx context.Context, userID, since string, limit int) ([]EntryPayload, error) {
	return s.PullEntries(ctx, userID, since, true, clampLimit(limit, proPullLimit))
}

// ListUsers returns the most recently created profiles.
func (s *Service) ListUsers(ctx context.Context, limit int) ([]UserSummary, error) {
	users, err := s.store.ListUsers(ctx, clampLimit(limit, userListLimit))
	if err != nil {
		return nil, err
	}

	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, UserSummary{
			ID:        u.ID,
			Label:     u.Label,
			Consent:   rawOrEmpty(u.Consent),
			ExtraData: rawOrEmpty(u.ExtraData),
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// entryFromInput normalizes one pushed entry. Records without an id or with
// an unparseable event timestamp are dropped from the batch; a missing
// revision timestamp is synthesized as now, so clients without their own
// revision clock still get last-writer-wins against receipt order.
func (s *Service) entryFromInput(raw EntryInput, batchUserID string) (store.Entry, bool) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return store.Entry{}, false
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		s.logger.Debug("dropping entry with invalid event timestamp",
			zap.String("id", id), zap.String("ts", raw.Timestamp))
		return store.Entry{}, false
	}

	lastModified, ok := s.revision(raw.LastModified)
	if !ok {
		s.logger.Debug("dropping entry with invalid revision timestamp",
			zap.String("id", id), zap.String("last_modified", raw.LastModified))
		return store.Entry{}, false
	}

	userID := strings.TrimSpace(raw.UserID)
	if userID == "" {
		userID = batchUserID
	}

	return store.Entry{
		ID:           id,
		UserID:       userID,
		Timestamp:    ts,
		Mood:         raw.Mood,
		Stress:       raw.Stress,
		Note:         raw.Note,
		Deleted:      raw.Deleted,
		LastModified: lastModified,
	}, true
}

func (s *Service) noteFromInput(raw NoteInput, email string) (store.ProNote, bool) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return store.ProNote{}, false
	}
	userID := strings.TrimSpace(raw.UserID)
	if userID == "" {
		return store.ProNote{}, false
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		s.logger.Debug("dropping note with invalid event timestamp",
			zap.String("id", id), zap.String("ts", raw.Timestamp))
		return store.ProNote{}, false
	}

	lastModified, ok := s.revision(raw.LastModified)
	if !ok {
		s.logger.Debug("dropping note with invalid revision timestamp",
			zap.String("id", id), zap.String("last_modified", raw.LastModified))
		return store.ProNote{}, false
	}

	return store.ProNote{
		ID:                id,
		UserID:            userID,
		ProfessionalEmail: email,
		Timestamp:         ts,
		Note:              raw.Note,
		Deleted:           raw.Deleted,
		LastModified:      lastModified,
	}, true
}

// revision parses a pushed last_modified, synthesizing the server clock when
// the client did not supply one.
func (s *Service) revision(value string) (time.Time, bool) {
	if strings.TrimSpace(value) == "" {
		return s.now().UTC(), true
	}
	parsed, err := parseTimestamp(value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func entryPayload(e store.Entry) EntryPayload {
	return EntryPayload{
		ID:           e.ID,
		UserID:       e.UserID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339),
		Mood:         e.Mood,
		Stress:       e.Stress,
		Note:         e.Note,
		Deleted:      e.Deleted,
		LastModified: e.LastModified.UTC().Format(time.RFC3339),
	}
}

// parseTimestamp accepts ISO-8601 with a Z designator, a numeric offset,
// or no offset at all; offset-less values are taken as UTC. Everything is
// normalized to UTC.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	parsed, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return parsed.UTC(), nil
	}
	if naive, naiveErr := time.Parse("2006-01-02T15:04:05", value); naiveErr == nil {
		return naive, nil
	}
	return time.Time{}, err
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
