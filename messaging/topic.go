package messaging

import (
	"fmt"

	"github.com/glimte/agentbus/internal/rabbitmq"
)

// Topic is a named binding pattern on the agent exchange
type Topic struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	BindingKey  string `yaml:"binding_key"`
}

// Validate checks the topic name and binding key
func (t Topic) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTopic)
	}
	if err := rabbitmq.ValidateBindingKey(t.BindingKey); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidTopic, t.Name, err)
	}
	return nil
}

// Matches reports whether a message published with routingKey reaches this topic
func (t Topic) Matches(routingKey string) bool {
	return rabbitmq.MatchTopic(t.BindingKey, routingKey)
}

// DefaultTopics returns the built-in topic set
func DefaultTopics() []Topic {
	return []Topic{
		{Name: "jokes", Description: "A topic for receiving and generating jokes", BindingKey: "jokes.*"},
		{Name: "poems", Description: "A topic for receiving and generating poems", BindingKey: "poems.*"},
		{Name: "limericks", Description: "A topic for receiving and generating limericks", BindingKey: "limericks.*"},
	}
}

// Catalog is an immutable, ordered set of topics with unique names
type Catalog struct {
	topics []Topic
	byName map[string]int
}

// NewCatalog validates topics and keeps them in the given order
func NewCatalog(topics ...Topic) (*Catalog, error) {
	c := &Catalog{
		topics: make([]Topic, 0, len(topics)),
		byName: make(map[string]int, len(topics)),
	}
	for _, t := range topics {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.byName[t.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTopic, t.Name)
		}
		c.byName[t.Name] = len(c.topics)
		c.topics = append(c.topics, t)
	}
	return c, nil
}

// Topics returns a copy of the topics in configured order
func (c *Catalog) Topics() []Topic {
	return append([]Topic(nil), c.topics...)
}

// Lookup finds a topic by name
func (c *Catalog) Lookup(name string) (Topic, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Topic{}, false
	}
	return c.topics[i], true
}

// Match returns the topics a routing key is delivered to, in catalog order
func (c *Catalog) Match(routingKey string) []Topic {
	var matched []Topic
	for _, t := range c.topics {
		if t.Matches(routingKey) {
			matched = append(matched, t)
		}
	}
	return matched
}

// Len returns the number of topics
func (c *Catalog) Len() int {
	return len(c.topics)
}
