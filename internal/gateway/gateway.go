// Package gateway implements the WebSocket gateway for real-time event dispatch.
// It handles client connections, heartbeats, authentication, presence updates,
// and event broadcasting via NATS subscriptions. See docs/architecture.md Section 8
// for the full protocol specification.
// This package will be fully implemented in Phase 2.
package gateway
