package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"user:42:profile", "user:42:profile", true},
		{"user:42:profile", "user:43:profile", false},
		{"user:42:*", "user:42:profile", true},
		{"user:42:*", "user:42:followers", true},
		{"user:42:*", "user:43:profile", false},
		{"user:*:profile", "user:42:profile", true},
		{"user:*:profile", "user:42:followers", false},
		{"conversation:?:messages", "conversation:7:messages", true},
		{"conversation:?:messages", "conversation:42:messages", false},
		{"*", "anything", true},
	}

	for _, tt := range tests {
		got, err := Match(tt.pattern, tt.key)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got, "pattern %q key %q", tt.pattern, tt.key)
	}

	t.Run("empty pattern is an error", func(t *testing.T) {
		_, err := Match("", "key")
		assert.Error(t, err)
	})
}

func TestFilter(t *testing.T) {
	keys := []string{
		"user:42:profile",
		"user:42:followers",
		"user:43:profile",
		"post:1:likes",
	}

	matched, err := Filter("user:42:*", keys)
	assert.NoError(t, err)
	assert.Equal(t, []string{"user:42:profile", "user:42:followers"}, matched)

	matched, err = Filter("user:*:profile", keys)
	assert.NoError(t, err)
	assert.Equal(t, []string{"user:42:profile", "user:43:profile"}, matched)
}

func TestIsGlob(t *testing.T) {
	assert.True(t, IsGlob("user:*"))
	assert.True(t, IsGlob("user:?"))
	assert.False(t, IsGlob("user:42"))
}
