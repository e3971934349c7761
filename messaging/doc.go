// Package messaging routes topic messages from RabbitMQ to registered handlers.
//
// This package implements:
//   - Catalog: the ordered, validated set of topics handlers may subscribe to
//   - Handler: the capability a subscriber provides; HandlerFunc adapts functions
//   - Registry: owns handlers and their subscriptions. Each subscription is a
//     consumer unit running in its own goroutine with a connection supervisor,
//     a topic binder and a dispatch loop
//
// Key features:
//   - Subscriptions survive broker restarts: every reconnect re-declares the
//     exclusive queue and its binding before consuming again
//   - Messages are acknowledged only after their handler succeeded; failing
//     messages are retried a bounded number of times, then rejected
//   - At most one subscription per (handler, topic); subscribing twice is a no-op
//   - Units are independent: a slow or failing handler only stalls its own unit
//
// Example usage:
//
//	catalog, _ := messaging.NewCatalog(messaging.DefaultTopics()...)
//	registry := messaging.NewRegistry(catalog, messaging.WithBrokerURL(url))
//	defer registry.Shutdown(context.Background())
//
//	_ = registry.Register("joking_agent", messaging.HandlerFunc(
//		func(ctx context.Context, msg messaging.Message) error {
//			fmt.Printf("%s: %s\n", msg.RoutingKey, msg.Body)
//			return nil
//		}))
//	_, err := registry.Subscribe("joking_agent", "jokes")
package messaging
