// Package events provides an in-process pub/sub broker for reconciliation
// events.
//
// Operators publish component and session lifecycle events; interested
// subsystems subscribe (in this codebase, only the tests do). Delivery is
// best-effort: a full buffer drops events rather than stalling an operator
// loop. The broker carries no persistent state and is never a source of
// truth; the store is.
package events
