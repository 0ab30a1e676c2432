// Package types defines the core data model shared across all BOS packages.
//
// The model centers on three stored kinds: Component (the per-node
// reconciliation record), Session (an activation of a template), and
// SessionTemplate (the declared boot sets). Options is the single mutable
// record of runtime tunables. These types are serialized as JSON both in the
// store and on the v2 REST surface, so field tags here are the wire contract.
package types
