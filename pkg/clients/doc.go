// Package clients wraps the external services BOS reconciles against:
// Power Control (PCS), Hardware State Manager (HSM), Boot Script Service
// (BSS), Image Management (IMS), the object store gateway, the Configuration
// Framework (CFS), and Tenant Management (TAPMS).
//
// Every wrapper shares the same calling conventions: per-call timeouts drawn
// from the options record, capped exponential retry on transient failures,
// response-size limits before decoding, batch splitting at the configured
// cap, and short-circuiting on empty input lists. Batch responses surface
// per-node failures as ComponentError values instead of failing the call.
// ObjectStoreClient.GetManifest is the exception to the retry rule: it makes
// a single request, bounded by the manifest size cap, and is not retried.
package clients
