package rabbitmq

import (
	"fmt"
	"strings"
)

// maxRoutingKeyLength is the AMQP shortstr limit
const maxRoutingKeyLength = 255

// ValidateBindingKey checks that key is a valid topic exchange pattern:
// dot-separated non-empty words where "*" and "#" only appear as whole words.
func ValidateBindingKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty binding key", ErrInvalidTopology)
	}
	if len(key) > maxRoutingKeyLength {
		return fmt.Errorf("%w: binding key longer than %d bytes", ErrInvalidTopology, maxRoutingKeyLength)
	}
	for _, word := range strings.Split(key, ".") {
		if word == "" {
			return fmt.Errorf("%w: binding key %q has an empty word", ErrInvalidTopology, key)
		}
		if word != "*" && word != "#" && strings.ContainsAny(word, "*#") {
			return fmt.Errorf("%w: binding key %q mixes wildcards with text in %q", ErrInvalidTopology, key, word)
		}
	}
	return nil
}

// MatchTopic reports whether routingKey matches the topic pattern: "*"
// matches exactly one word, "#" matches zero or more.
func MatchTopic(pattern, routingKey string) bool {
	var words []string
	if routingKey != "" {
		words = strings.Split(routingKey, ".")
	}
	return matchWords(strings.Split(pattern, "."), words)
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}
