// Package health provides dependency health checking for readiness.
//
// Checkers probe the mandatory external services (PCS, HSM, BSS) over HTTP;
// the API server's readiness endpoint aggregates their check results.
// Unreachable mandatory services keep readiness false without crashing
// anything.
package health
