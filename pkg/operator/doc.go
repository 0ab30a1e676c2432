// Package operator contains the bank of reconciliation control loops that
// drive components toward their declared boot state.
//
// Each operator filters the component set with a state predicate, acts on
// the matches through the external clients in bounded batches, then records
// the outcome with atomic per-component store patches. Operators share no
// memory; two loops may race on the same component and remain correct
// because every patch is a pure function of the record it reads.
//
// The Runner hosts all loops in one process, refreshing an options snapshot
// per iteration and touching a liveness probe file so a wedged loop is
// externally visible.
package operator
