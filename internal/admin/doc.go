// Package admin serves the operator HTTP API: health and schedule views,
// manual event runs, broadcasts, the delivery log with CSV export, and
// prometheus metrics.
//
// Every route except /api/health requires "Authorization: Bearer <token>"
// when a token is configured.
package admin
