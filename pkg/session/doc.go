// Package session holds the session-scoped logic shared by the operators
// and the API server: resolving a boot set to its effective node set, and
// aggregating component records into session-level status.
//
// Both computations are pure given a store and client interfaces, which
// keeps them testable with fakes and safe to run from any process.
package session
