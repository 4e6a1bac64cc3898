// Package router is the message entry point: it runs admission checks,
// resolves the session a message belongs to, records the exchange, and
// drives the processing pipeline. Denied messages never reach the
// pipeline and never touch session state.
package router
