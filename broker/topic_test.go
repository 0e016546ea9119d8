package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileTopic(t *testing.T) {
	t.Run("empty pattern is rejected", func(t *testing.T) {
		_, err := CompileTopic("")
		assert.ErrorIs(t, err, ErrEmptyPattern)
	})

	t.Run("literal patterns match exactly", func(t *testing.T) {
		m, err := CompileTopic("orders.created")
		require.NoError(t, err)

		assert.True(t, m.Matches("orders.created"))
		assert.False(t, m.Matches("orders.created.eu"))
		assert.False(t, m.Matches("orders"))
		assert.Equal(t, "orders.created", m.Pattern())
	})
}

func TestTopicMatching(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		// '*' matches exactly one segment
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.updated", true},
		{"orders.*", "orders.created.eu", false},
		{"orders.*", "orders.", false},
		{"orders.*", "orders", false},
		{"*.created", "orders.created", true},
		{"*.created", "orders.eu.created", false},
		{"rr.request.*", "rr.request.getUser", true},
		{"rr.request.*", "rr.response.getUser", false},

		// '#' greedily matches one or more characters
		{"orders.#", "orders.created", true},
		{"orders.#", "orders.created.eu", true},
		{"orders.#", "orders.", false},
		{"orders.#", "orders", false},
		{"#", "anything.at.all", true},
		{"#.created", "orders.created", true},
		{"es.#", "es.stream-42", true},

		// mixed wildcards
		{"events.*.#", "events.user.created", true},
		{"events.*.#", "events.user", false},

		// '.' is literal, no accidental regex meaning
		{"a.b", "aXb", false},
	}

	for _, tc := range cases {
		m, err := CompileTopic(tc.pattern)
		require.NoError(t, err, "pattern %q", tc.pattern)
		assert.Equal(t, tc.want, m.Matches(tc.topic),
			"pattern %q against topic %q", tc.pattern, tc.topic)
	}
}
