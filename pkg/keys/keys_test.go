package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilders(t *testing.T) {
	assert.Equal(t, "customer:cust1:domains", Collection("customer", "cust1", "domains"))
	assert.Equal(t, "customer:instances", ClassCollection("customer", "instances"))
	assert.Equal(t, "customer:email_index", UniqueIndex("customer", "email_index"))
	assert.Equal(t, "customer:role_index:admin", MultiIndexValue("customer", "role_index", "admin"))
	assert.Equal(t, "customer:role_index:*", MultiIndexPattern("customer", "role_index"))
	assert.Equal(t, "customer:*:domains", CollectionPattern("customer", "domains"))
	assert.Equal(t, "customer:cust1:participations", ReverseIndex("customer", "cust1"))
	assert.Equal(t, "query:tmp:abc", Temporary("abc"))
	assert.True(t, IsTemporary(Temporary("abc")))
	assert.False(t, IsTemporary("customer:cust1:domains"))
}

func TestEscaping(t *testing.T) {
	t.Run("separator_in_component", func(t *testing.T) {
		key := MultiIndexValue("customer", "email_index", "a:b@example.com")
		assert.Equal(t, "customer:email_index:a%3Ab@example.com", key)

		parsed, err := ParseCollection(key)
		require.NoError(t, err)
		assert.Equal(t, "a:b@example.com", parsed.Name)
	})

	t.Run("percent_in_component", func(t *testing.T) {
		assert.Equal(t, "100%25", Escape("100%"))
		assert.Equal(t, "100%", Unescape(Escape("100%")))
	})

	t.Run("round_trip", func(t *testing.T) {
		for _, s := range []string{"plain", "with:sep", "with%pct", "%3A", "a:b:c%"} {
			assert.Equal(t, s, Unescape(Escape(s)))
		}
	})
}

func TestParseCollection(t *testing.T) {
	t.Run("instance_scoped", func(t *testing.T) {
		parsed, err := ParseCollection("customer:cust1:domains")
		require.NoError(t, err)
		assert.Equal(t, ParsedCollection{Scope: "customer", OwnerID: "cust1", Name: "domains"}, parsed)
	})

	t.Run("class_level", func(t *testing.T) {
		parsed, err := ParseCollection("customer:instances")
		require.NoError(t, err)
		assert.True(t, parsed.ClassLevel)
		assert.Equal(t, "customer", parsed.Scope)
		assert.Equal(t, "instances", parsed.Name)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseCollection("customer")
		require.Error(t, err)

		_, err = ParseCollection("a:b:c:d")
		require.Error(t, err)
	})
}
