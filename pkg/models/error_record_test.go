package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opserve/errlog/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() models.ErrorRecord {
	fp := int64(-7421930218596901234)
	status := 500
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return models.ErrorRecord{
		GUID:            uuid.MustParse("3e9c2d6a-44f1-4e0a-9d01-6b1f0c7e2a55"),
		ApplicationName: "checkout",
		Category:        "payments",
		Type:            "*net.OpError",
		Message:         "dial tcp 10.0.0.5:5432: connect: connection refused",
		Source:          "net",
		Detail:          "dial tcp 10.0.0.5:5432: connect: connection refused\ncaused by: connection refused",
		MachineName:     "web-01",
		CreatedAt:       created,
		LastSeenAt:      created.Add(2 * time.Minute),
		DuplicateCount:  3,
		Fingerprint:     &fp,
		HTTPMethod:      "POST",
		FullURL:         "https://shop.example.com/checkout?a=1&a=2",
		Host:            "shop.example.com",
		IPAddress:       "203.0.113.9",
		StatusCode:      &status,
		Headers: []models.NameValuePair{
			{Name: "Accept", Value: "application/json"},
			{Name: "Accept", Value: "text/html"},
		},
		QueryString: []models.NameValuePair{
			{Name: "a", Value: "1"},
			{Name: "a", Value: "2"},
		},
		CustomData: map[string]string{"order_id": "A-1009"},
		Commands: []models.Command{
			{Type: "sql", CommandString: "SELECT * FROM orders WHERE id = $1", Data: map[string]string{"timeout": "5s"}},
		},
	}
}

func TestErrorRecord_JSONRoundTrip(t *testing.T) {
	original := sampleRecord()

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded models.ErrorRecord
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original, decoded)
}

// Multi-valued collections must come back in original order, never
// collapsed into one value per name.
func TestErrorRecord_MultiValueOrderPreserved(t *testing.T) {
	original := sampleRecord()

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded models.ErrorRecord
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Len(t, decoded.QueryString, 2)
	assert.Equal(t, "1", decoded.QueryString[0].Value)
	assert.Equal(t, "2", decoded.QueryString[1].Value)

	require.Len(t, decoded.Headers, 2)
	assert.Equal(t, "application/json", decoded.Headers[0].Value)
	assert.Equal(t, "text/html", decoded.Headers[1].Value)
}

// Records persisted before the full_url rename carried the URL under
// "URL"; deserialization must map it onto the current field.
func TestErrorRecord_LegacyURLAlias(t *testing.T) {
	legacy := `{
		"guid": "3e9c2d6a-44f1-4e0a-9d01-6b1f0c7e2a55",
		"application_name": "checkout",
		"message": "boom",
		"URL": "https://old.example.com/cart"
	}`

	var decoded models.ErrorRecord
	require.NoError(t, json.Unmarshal([]byte(legacy), &decoded))
	assert.Equal(t, "https://old.example.com/cart", decoded.FullURL)
}

func TestErrorRecord_CurrentFieldWinsOverLegacy(t *testing.T) {
	doc := `{"message": "boom", "full_url": "https://new.example.com", "URL": "https://old.example.com"}`

	var decoded models.ErrorRecord
	require.NoError(t, json.Unmarshal([]byte(doc), &decoded))
	assert.Equal(t, "https://new.example.com", decoded.FullURL)
}

func TestErrorRecord_DuplicateCountFloor(t *testing.T) {
	// Older serialized records may omit the count entirely; the invariant
	// is duplicate_count >= 1.
	var decoded models.ErrorRecord
	require.NoError(t, json.Unmarshal([]byte(`{"message": "boom"}`), &decoded))
	assert.Equal(t, 1, decoded.DuplicateCount)
}

func TestErrorRecord_IsDeleted(t *testing.T) {
	rec := sampleRecord()
	assert.False(t, rec.IsDeleted())

	now := time.Now().UTC()
	rec.DeletedAt = &now
	assert.True(t, rec.IsDeleted())
}
