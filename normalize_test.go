package pulse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	testCases := []struct {
		name string
		path string
		want string
	}{
		{"static path", "/users", "/users"},
		{"numeric id", "/users/123", "/users/{id}"},
		{"nested numeric id", "/api/v1/posts/456", "/api/v1/posts/{id}"},
		{"uuid segment", "/orders/3b2f8a1c-9d4e-4f6a-8b2c-1a2b3c4d5e6f", "/orders/{id}"},
		{"uppercase uuid", "/orders/3B2F8A1C-9D4E-4F6A-8B2C-1A2B3C4D5E6F", "/orders/{id}"},
		{"mixed segments", "/users/42/posts/7", "/users/{id}/posts/{id}"},
		{"version segment stays literal", "/api/v1/users", "/api/v1/users"},
		{"empty path", "", "/"},
		{"root", "/", "/"},
		{"trailing slash", "/users/123/", "/users/{id}"},
		{"missing leading slash", "users/123", "/users/{id}"},
		{"hex but not uuid", "/items/deadbeef", "/items/deadbeef"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizePath(tc.path))
		})
	}
}

func TestNormalizePathIdempotent(t *testing.T) {
	paths := []string{
		"/users/123",
		"/orders/3b2f8a1c-9d4e-4f6a-8b2c-1a2b3c4d5e6f",
		"/api/v1/posts/456/comments/789",
		"/",
	}
	for _, path := range paths {
		once := NormalizePath(path)
		assert.Equal(t, once, NormalizePath(once), "normalizing %q twice must be a no-op", path)
	}
}

func TestTemplateMatcher(t *testing.T) {
	m := newTemplateMatcher([]string{
		"/users/{userID}",
		"/users/{userID}/posts/{postID}",
		"/stats",
	})

	t.Run("exact route match", func(t *testing.T) {
		assert.Equal(t, "/stats", m.Normalize("/stats"))
	})

	t.Run("template match preserves parameter names", func(t *testing.T) {
		assert.Equal(t, "/users/{userID}", m.Normalize("/users/alice"))
		assert.Equal(t, "/users/{userID}/posts/{postID}", m.Normalize("/users/alice/posts/9"))
	})

	t.Run("unmatched path falls back to heuristic", func(t *testing.T) {
		assert.Equal(t, "/unknown/{id}", m.Normalize("/unknown/123"))
		assert.Equal(t, "/unknown/literal", m.Normalize("/unknown/literal"))
	})

	t.Run("trailing slash", func(t *testing.T) {
		assert.Equal(t, "/users/{userID}", m.Normalize("/users/alice/"))
	})
}
