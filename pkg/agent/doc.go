/*
Package agent implements the node-side process: identity acquisition,
heartbeating, and deployment-instruction execution.

The agent's life is a small state machine. On boot it loads any
persisted identity and offers it as a claim; a claim the control plane
does not honor simply yields a fresh identity that overwrites the
stored one. Plain registration retries with exponential backoff (1s
doubling, capped at 30s) and a bounded attempt count; exhausting the
attempts ends the process, an agent never runs unregistered.

The heartbeat timer, the channel read loop, and the deployment queue
run as independent tasks sharing only the worker id and a registered
flag. Every path that discovers a dead transport converges on the same
registration cycle, which is single-flight: a trigger arriving while a
cycle is in flight is a no-op.
*/
package agent
