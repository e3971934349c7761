package messaging

import (
	"errors"
	"fmt"
)

var (
	// Subscription errors, returned synchronously from Subscribe
	ErrUnknownHandler   = errors.New("messaging: unknown handler")
	ErrUnknownTopic     = errors.New("messaging: unknown topic")
	ErrNotSubscribed    = errors.New("messaging: no active subscription")
	ErrStopping         = errors.New("messaging: subscription is still stopping")
	ErrRegistryClosed   = errors.New("messaging: registry is shut down")
	ErrDuplicateHandler = errors.New("messaging: handler already registered")

	// Catalog errors
	ErrDuplicateTopic = errors.New("messaging: duplicate topic name")
	ErrInvalidTopic   = errors.New("messaging: invalid topic")
)

// SubscriptionError is returned by Subscribe and Unsubscribe
type SubscriptionError struct {
	HandlerID string
	Topic     string
	Err       error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s/%s: %v", e.HandlerID, e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned by a handler for one message
type HandlerError struct {
	HandlerID  string
	Topic      string
	RoutingKey string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s (%s): %v", e.HandlerID, e.Topic, e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
