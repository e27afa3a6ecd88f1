// Package manager implements the Raft-replicated cluster core: each
// management-server peer runs a Manager over a local BoltDB store, and
// every mutation — host/VM topology and WorkItem claim/release alike —
// flows through the Raft log so the cluster's peers stay linearized.
package manager
