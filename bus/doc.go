// Package bus provides message bus clients for sharing rate-limit state
// between processes that use the same credentials.
//
// # Available Implementations
//
//   - NATSBus: messaging over a NATS server
//   - MemoryBus: in-memory implementation for tests and single-process use
//
// # Usage
//
//	sub, _ := b.Subscribe("ratelimit.>")
//	for msg := range sub.Messages() {
//	    // msg.Subject is "ratelimit.global" or "ratelimit.events"
//	}
//
// Delivery is best effort. A subscriber whose buffer is full drops messages
// rather than blocking the publisher.
package bus
