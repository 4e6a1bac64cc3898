// Package admission decides whether a user's message enters the pipeline.
//
// A single Controller combines three concerns: ban state (temporary and
// permanent bans with an audit trail), token quotas (total, daily, and a
// sliding per-minute request window), and in-process abuse heuristics
// (rapid requests, token bursts, spam, repeated content).
//
// CheckAdmission fails open: if a store lookup errors, the request is
// allowed rather than locking out users on an infrastructure hiccup.
// Consume and the ban operations fail closed.
package admission
