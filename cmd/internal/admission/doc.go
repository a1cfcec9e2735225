// Package admission implements tokengate's session admission core.
//
// A Registry holds at most one Session Record per token and applies the
// Admission Policy inside a single per-shard critical section, so concurrent
// play callbacks racing for the same token resolve to exactly one admission.
// A Monitor sweeps the registry on a fixed interval and evicts records whose
// last activity is older than the session timeout. A Gate ties both to a token
// authority and an event sink and is what the webhook binding calls.
//
// Release is keyed by token only. The media server's callback channel carries
// no proof of which connection is calling, so any stop callback that names a
// token releases it.
package admission
