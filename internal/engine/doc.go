// Package engine decides whether a notification is sent now, deferred, or suppressed.
//
// The engine is a pure computation over an event, the user's recent history and an immutable
// rule snapshot:
//
//	BuildContext -> Evaluate -> Decide
//
// It never touches storage. Callers fetch history, call Engine.Decide and persist the result.
// The only bounded-latency step is the advisory scorer, which always degrades to a fallback
// result instead of failing the decision.
package engine
