/*
Package types defines the core data structures shared across Warden: hosts,
VMs, and the WorkItem record that drives the HA coordinator's recovery
state machine.

These types are plain structs with no behavior beyond small classification
helpers (IsTerminal, Cancellable, RequiresPreDetach); persistence lives in
pkg/storage, and the recovery logic that interprets them lives in pkg/ha.
*/
package types
