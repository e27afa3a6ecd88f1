/*
Package metrics exposes Warden's Prometheus metrics: Raft health, the
WorkItem queue (counts by workType/step, scheduling/claim/retry/completion
counters), investigation and recovery durations, fencing outcomes, the
cleanup task, and alerting.

Collector runs a ticker that periodically re-derives the gauges from the
Manager's current state (hosts, VMs, WorkItems); the counters and
histograms are updated inline by the code paths they measure. Handler
returns the promhttp handler mounted at /metrics; health.go layers a
simple component up/down aggregate for /health and /ready.
*/
package metrics
