// Package registry implements the control plane's worker registry and
// connection tracker.
//
// The registry is the single source of truth linking a live transport
// connection to a worker identity. Identity is resolved by escalating
// strategies: a claimed id from the agent's persisted identity file, a
// hostname match, an address match, and finally a fresh record. Misses
// at each step fall through silently, so an agent can never fail to
// register because its claim went stale.
//
// Liveness loss is detected from two independent evidence streams. The
// connection path notices tracked connections that stay open but go
// silent past the heartbeat threshold. The persisted path notices
// records that claim to be online with no tracked connection at all,
// which happens when the control plane restarts and loses its in-memory
// connection table; it uses a longer grace threshold so freshly booted
// control planes give agents time to reconnect. Both paths flip the
// worker offline and broadcast a worker-offline event with the
// detection reason; the sweep guarantees the two paths never fire for
// the same worker in one cycle.
//
// Per worker, the observable state machine is:
//
//	unregistered -> RegisterOrReconcile -> online
//	online -> disconnect | sweep timeout -> offline
//	offline -> RegisterOrReconcile -> online
//
// No other transitions occur.
package registry
