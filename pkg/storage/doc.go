// Package storage provides the keyed document store underneath all BOS
// state.
//
// Records are JSON documents in per-kind namespaces, keyed <tenant>/<id>.
// The Patch primitive is the safety mechanism the operators build on: a pure
// mutator function is applied atomically per record, with the backend
// serializing concurrent writers (BoltDB via its single-writer transaction,
// Redis via WATCH/MULTI optimistic locking). No cross-record transactions
// exist or are needed.
package storage
