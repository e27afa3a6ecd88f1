/*
Package storage persists hosts, VMs, and WorkItems to BoltDB.

BoltStore is a thin per-process view onto one replica's on-disk state.
Every mutating call here is only linearizable across the cluster when it
is reached through pkg/manager's Raft FSM, which applies the same
sequence of calls to every replica; callers that need cluster-wide
at-most-once semantics (claiming a WorkItem, releasing a departed peer's
leases) must go through the Manager, not the Store, directly.
*/
package storage
