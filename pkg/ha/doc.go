/*
Package ha implements the HA coordinator: the recovery state machine that
drives a WorkItem from Scheduled/Investigating through to a terminal step,
the worker pool that claims and executes WorkItems, the Scheduler API that
other components use to enqueue work, the peer coordinator that releases
a departed peer's leases, and the cleanup task that purges old terminal
WorkItems.

The package depends on its collaborators only through the Store,
Orchestrator, Investigator, Fencer, and Planner interfaces declared here,
so every piece is testable against in-memory fakes without a real Raft
cluster or hypervisor backend.
*/
package ha
