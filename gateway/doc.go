// Package gateway is the request orchestrator that sits in front of the
// backend services.
//
// Every call to Execute passes through the same stages:
//
//	admission   rate limiter, keyed by client and service
//	cache       query operations only; mutations and subscriptions bypass it
//	dispatch    retry executor; each attempt asks the circuit breaker first,
//	            then the load balancer for a healthy address, then POSTs
//	            {query, variables, operationName} to it
//	record      metrics collector and Prometheus
//	store       successful query answers without GraphQL errors are cached
//
// Identical concurrent cache misses are coalesced so a burst of the same
// query reaches the backend once.
//
// Two loops run in the background after Start. The watch loop follows the
// registry: each snapshot replaces the balancer topology and the routing
// Plan, built by a Composer and published with an atomic swap so requests
// never see a half-applied change. The health loop probes every instance on
// an interval and feeds the results into the balancer, the breaker, the
// metrics collector and the health monitor.
//
// Errors returned by Execute carry a stable kind from the errors package and
// the name of the service involved; the HTTP surface in gateway/http maps
// them to status codes.
package gateway
