/*
Package metrics defines and registers the Prometheus metrics the
replication manager exposes on /metrics: container inventory by state,
inflight replication/deletion action counts and outcomes, move results,
move-scheduler Raft timings, and reconciliation cycle duration. Metrics
are registered once at package init and updated inline by the
components that observe the underlying transitions; Collector only
samples container inventory state on a timer.
*/
package metrics
