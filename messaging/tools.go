package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// ListTopicsText renders the catalog as "name: description" lines, the form
// handed to agents that pick their own subscriptions.
func (r *Registry) ListTopicsText() string {
	topics := r.catalog.Topics()
	lines := make([]string, 0, len(topics))
	for _, t := range topics {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Name, t.Description))
	}
	return strings.Join(lines, "\n")
}

// SubscribeToTopic subscribes handlerID to topicName and reports the outcome as text
func (r *Registry) SubscribeToTopic(handlerID, topicName string) string {
	_, err := r.Subscribe(handlerID, topicName)
	switch {
	case err == nil:
		return fmt.Sprintf("Subscribed to %s for agent %s", topicName, handlerID)
	case errors.Is(err, ErrUnknownHandler):
		return fmt.Sprintf("Error: Agent %s not found in registry", handlerID)
	case errors.Is(err, ErrUnknownTopic):
		return fmt.Sprintf("Error: Topic %s not found", topicName)
	default:
		return "Error: " + err.Error()
	}
}
