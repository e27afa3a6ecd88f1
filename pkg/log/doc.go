/*
Package log provides Warden's structured logging, a thin wrapper over
zerolog giving every component a logger (console output by default, JSON
when Config.JSONOutput is set) pre-populated with the correlation fields
the HA coordinator's log lines are grepped by: component, node_id, vm_id,
and work_id.

Call Init with a Config to set the global level/format before any other
package logs; after that, call log.WithComponent/WithNodeID/WithVmID/
WithWorkID to derive a child logger carrying the relevant field, or use
the package-level Info/Debug/Warn/Error helpers directly against the
global logger.
*/
package log
