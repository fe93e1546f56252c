// Package types defines the shared data model for the Conductor fleet
// control plane and its node agents.
//
// The central type is WorkerRecord, the canonical persisted view of a
// compute node. A worker's identity is its generated ID; hostname and
// address are carried as reconciliation hints so an agent that lost its
// local identity can be matched back to its prior record, but they are
// deliberately not unique keys.
//
// DeploymentInstruction and its Action enum describe container
// lifecycle commands. Instructions are transient: they exist only in an
// agent's in-memory queue and are discarded once processed.
//
// All types in this package are plain data with JSON (and, where agents
// read them from override files, YAML) tags. Behavior lives in the
// packages that own each concern: pkg/registry for liveness,
// pkg/deployer for instruction processing, pkg/manager for tokens.
package types
