package idempotency

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"15 characters rejected", strings.Repeat("a", 15), true},
		{"16 characters accepted", strings.Repeat("a", 16), false},
		{"255 characters accepted", strings.Repeat("a", 255), false},
		{"256 characters rejected", strings.Repeat("a", 256), true},
		{"empty key rejected", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				var keyErr *InvalidKeyError
				require.ErrorAs(t, err, &keyErr)
				assert.Equal(t, len(tt.key), keyErr.Length)
				assert.Equal(t, 400, keyErr.HTTPStatusCode())
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewRecord(t *testing.T) {
	key := "client-key-0123456789abcdef"
	orgID := uuid.New()

	t.Run("creates a record expiring after the ttl", func(t *testing.T) {
		before := time.Now()
		rec, err := NewRecord(key, orgID, "job", "abc123", []byte(`{"ok":true}`), 202, time.Hour)
		require.NoError(t, err)

		assert.Equal(t, key, rec.Key)
		assert.Equal(t, orgID, rec.OrgID)
		assert.Equal(t, "job", rec.ResourceType)
		assert.Equal(t, 202, rec.StatusCode)
		assert.WithinDuration(t, before.Add(time.Hour), rec.ExpiresAt, 5*time.Second)
	})

	t.Run("non-positive ttl falls back to 24 hours", func(t *testing.T) {
		rec, err := NewRecord(key, orgID, "job", "", nil, 200, 0)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(DefaultTTL), rec.ExpiresAt, 5*time.Second)
	})

	t.Run("rejects malformed keys before anything else", func(t *testing.T) {
		_, err := NewRecord("short", orgID, "job", "", nil, 200, time.Hour)
		var keyErr *InvalidKeyError
		require.ErrorAs(t, err, &keyErr)
	})

	t.Run("rejects a nil org", func(t *testing.T) {
		_, err := NewRecord(key, uuid.Nil, "job", "", nil, 200, time.Hour)
		require.Error(t, err)
	})

	t.Run("rejects an empty resource type", func(t *testing.T) {
		_, err := NewRecord(key, orgID, "", "", nil, 200, time.Hour)
		require.Error(t, err)
	})
}

func TestRecord_IsExpired(t *testing.T) {
	rec, err := NewRecord("client-key-0123456789abcdef", uuid.New(), "job", "", nil, 200, time.Hour)
	require.NoError(t, err)

	assert.False(t, rec.IsExpired(rec.ExpiresAt.Add(-time.Second)))
	assert.True(t, rec.IsExpired(rec.ExpiresAt), "a record expires exactly at ExpiresAt")
	assert.True(t, rec.IsExpired(rec.ExpiresAt.Add(time.Second)))
}
