// Package admin exposes the operator surface: bans, quota adjustments,
// usage lookups, and runtime stats. Every route requires the admin
// bearer token; without one configured the routes are not mounted at
// all.
package admin
