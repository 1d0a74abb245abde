package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NameValuePair is one entry in an ordered request-context collection.
// Headers, query strings, form bodies and cookies may all carry repeated
// names, so these collections are pair lists, never unique-key maps.
type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Command is an operation that was in flight when the error occurred,
// for example the SQL statement a database driver was executing.
// Commands are attached at creation time and never mutated afterward.
type Command struct {
	Type          string            `json:"type"`
	CommandString string            `json:"command_string"`
	Data          map[string]string `json:"data,omitempty"`
}

// ErrorRecord represents one captured failure occurrence, plus however many
// duplicates have been folded into it within the rollup window.
//
// The backend-assigned primary key is opaque to the core; GUID is the
// client-generated identifier used for cross-system correlation and every
// contract operation.
type ErrorRecord struct {
	GUID            uuid.UUID `db:"guid"             json:"guid"`
	ApplicationName string    `db:"application_name" json:"application_name"`
	Category        string    `db:"category"         json:"category,omitempty"`
	Type            string    `db:"type"             json:"type"`
	Message         string    `db:"message"          json:"message"`
	Source          string    `db:"source"           json:"source,omitempty"`
	Detail          string    `db:"detail"           json:"detail"`
	MachineName     string    `db:"machine_name"     json:"machine_name"`

	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	LastSeenAt time.Time  `db:"last_seen_at" json:"last_seen_at"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"deleted_at,omitempty"`

	DuplicateCount int    `db:"duplicate_count" json:"duplicate_count"`
	Fingerprint    *int64 `db:"fingerprint"     json:"fingerprint,omitempty"`

	IsProtected bool `db:"is_protected" json:"is_protected"`

	// Request context, all optional.
	HTTPMethod  string          `db:"http_method"  json:"http_method,omitempty"`
	FullURL     string          `db:"full_url"     json:"full_url,omitempty"`
	Host        string          `db:"host"         json:"host,omitempty"`
	IPAddress   string          `db:"ip_address"   json:"ip_address,omitempty"`
	StatusCode  *int            `db:"status_code"  json:"status_code,omitempty"`
	Headers     []NameValuePair `db:"headers"      json:"headers,omitempty"`
	QueryString []NameValuePair `db:"query_string" json:"query_string,omitempty"`
	Form        []NameValuePair `db:"form"         json:"form,omitempty"`
	Cookies     []NameValuePair `db:"cookies"      json:"cookies,omitempty"`

	CustomData map[string]string `db:"custom_data" json:"custom_data,omitempty"`
	Commands   []Command         `db:"commands"    json:"commands,omitempty"`
}

// IsDeleted reports whether the record has been soft deleted.
func (r *ErrorRecord) IsDeleted() bool {
	return r.DeletedAt != nil
}

// errorRecordAlias breaks the UnmarshalJSON recursion.
type errorRecordAlias ErrorRecord

// legacyEnvelope carries field names used by older persisted records.
// "URL" predates the full_url field and maps onto it on read.
type legacyEnvelope struct {
	*errorRecordAlias
	LegacyURL string `json:"URL,omitempty"`
}

// UnmarshalJSON accepts both the current wire form and records persisted
// under legacy field names.
func (r *ErrorRecord) UnmarshalJSON(data []byte) error {
	env := legacyEnvelope{errorRecordAlias: (*errorRecordAlias)(r)}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if r.FullURL == "" && env.LegacyURL != "" {
		r.FullURL = env.LegacyURL
	}
	if r.DuplicateCount < 1 {
		r.DuplicateCount = 1
	}
	return nil
}
