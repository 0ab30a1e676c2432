// Package api exposes the BOS v2 REST surface: CRUD over components,
// sessions, session templates, and options, plus session status aggregation,
// apply-staged, and health endpoints.
//
// Every route is tenant-scoped through the Cray-Tenant-Name header; an
// unset header addresses the untenanted bucket. The server validates input
// at the boundary and writes records the operators then reconcile; it never
// calls power or boot services itself.
package api
