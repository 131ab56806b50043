// Package storage persists per-user decision history: exact fingerprints, the decision
// audit log and deferred notifications.
//
// Promotional fatigue is counted with a structured event_type column, never by matching
// text inside stored payloads.
package storage
