// Package presence tracks user online/idle/offline status using DragonflyDB
// (Redis-compatible). It manages heartbeat-based presence detection and
// broadcasts presence changes through the NATS event bus.
// This package will be fully implemented in Phase 2.
package presence
