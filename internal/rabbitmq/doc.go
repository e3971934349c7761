// Package rabbitmq provides the RabbitMQ side of agentbus.
//
// This package includes:
//   - Supervisor: owns one connection at a time, reconnects with backoff and
//     reruns a session callback on every new connection
//   - Binder: declares the topic exchange, an exclusive server-named queue and
//     its binding (plus optional dead-letter topology)
//   - Consumer: the dispatch loop that acks after the handler succeeded and
//     rejects after bounded handler retries
//   - Publisher: publishes with broker confirms
//
// Connection and Channel are narrow interfaces over amqp091-go so the
// supervisor and dispatch loop can run against fakes in tests.
package rabbitmq
