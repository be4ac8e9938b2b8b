package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "IDs must be unique")
		seen[id] = true
	}
}

func TestGenerateStateToken(t *testing.T) {
	t.Run("tokens are distinct", func(t *testing.T) {
		first, err := GenerateStateToken()
		assert.NoError(t, err)
		second, err := GenerateStateToken()
		assert.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("token carries at least 128 bits of entropy", func(t *testing.T) {
		token, err := GenerateStateToken()
		assert.NoError(t, err)
		// 32 raw bytes encode to 43 base64url characters
		assert.Len(t, token, 43)
	})

	t.Run("token is URL safe", func(t *testing.T) {
		token, err := GenerateStateToken()
		assert.NoError(t, err)
		assert.NotContains(t, token, "+")
		assert.NotContains(t, token, "/")
		assert.NotContains(t, token, "=")
	})
}
