// Package api exposes the replication manager's operational HTTP surface:
// liveness/readiness probes and the Prometheus /metrics scrape endpoint.
// It carries no RPC surface of its own — move/processAll/introspection
// are Go methods on pkg/replication.Manager, which cmd/scmrm only starts
// and stops; this package only reports on that manager's state for
// orchestration tooling.
package api
