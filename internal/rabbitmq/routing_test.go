package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateBindingKey(t *testing.T) {
	valid := []string{"jokes.*", "poems.#", "#", "*", "a.b.c", "limericks.*.en"}
	for _, key := range valid {
		assert.NoError(t, ValidateBindingKey(key), key)
	}

	invalid := []string{"", "jokes.", ".jokes", "jokes..x", "jokes.*x", "po#ems", "a.b*"}
	for _, key := range invalid {
		err := ValidateBindingKey(key)
		assert.ErrorIs(t, err, ErrInvalidTopology, key)
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"jokes.*", "jokes.random", true},
		{"jokes.*", "jokes", false},
		{"jokes.*", "jokes.random.extra", false},
		{"jokes.*", "poems.random", false},
		{"jokes.#", "jokes", true},
		{"jokes.#", "jokes.a.b.c", true},
		{"#", "", true},
		{"#", "anything.at.all", true},
		{"*.random", "poems.random", true},
		{"#.random", "a.b.random", true},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
		{"exact", "exact", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}
