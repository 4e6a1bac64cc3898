// Package session owns conversational continuity: who is in a conversation,
// its lifecycle status, and a bounded message history.
//
// Storage is hybrid: a Redis cache for fast reads in front of a durable
// Postgres store, combined by Hybrid with cache-aside reads and strict
// dual writes. Manager layers the conversation semantics on top
// (private/group resolution, participants, message append with trimming,
// expiry sweeps).
package session
