package store

import (
	"encoding/json"
	"time"
)

// User is a journaling-app profile. The id is generated on the client and
// stays stable across reinstalls; created_at is assigned by the server on
// first sight and never updated.
type User struct {
	ID        string
	Label     *string
	Consent   json.RawMessage
	ExtraData json.RawMessage
	CreatedAt time.Time
}

// UserUpsert is a partial profile update. The Set flags mark fields that
// were present in the payload: a set field overwrites the stored column,
// nil value included, while an unset field leaves it untouched.
type UserUpsert struct {
	ID        string
	Label     *string
	Consent   json.RawMessage
	ExtraData json.RawMessage

	SetLabel     bool
	SetConsent   bool
	SetExtraData bool
}

// Entry is one journal record from the mobile app.
type Entry struct {
	ID           string
	UserID       string
	Timestamp    time.Time
	Mood         *int
	Stress       *int
	Note         *string
	Deleted      bool
	LastModified time.Time
}

// RecordID implements reconcile.Record.
func (e Entry) RecordID() string { return e.ID }

// Revision implements reconcile.Record.
func (e Entry) Revision() time.Time { return e.LastModified }

// ProNote is an offline-first note from the professional app.
type ProNote struct {
	ID                string
	UserID            string
	ProfessionalEmail string
	Timestamp         time.Time
	Note              string
	Deleted           bool
	LastModified      time.Time
}

// RecordID implements reconcile.Record.
func (n ProNote) RecordID() string { return n.ID }

// Revision implements reconcile.Record.
func (n ProNote) Revision() time.Time { return n.LastModified }

// EntryQuery selects entries for a pull. A nil Since returns the full set;
// otherwise only records with last_modified strictly after Since are
// returned, tombstones included.
type EntryQuery struct {
	UserID         string
	Since          *time.Time
	IncludeDeleted bool
	Limit          int
}
