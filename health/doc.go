// Package health tracks the health of backend services and of the gateway's
// own dependencies.
//
// HTTPProber checks one instance address with GET <address>/health. The
// results for a service's instances are folded into a Status by FromProbes:
// healthy when all instances answered, degraded when some did, unhealthy when
// none did. Monitor keeps the latest Status per name and counts consecutive
// failures across updates. AggregateHealth produces the gateway-wide answer
// served on /health, which is healthy only when every tracked status is.
//
// Error text from failed probes is sanitized before it reaches a Status
// message, so backend URLs, addresses and credentials are not exposed.
package health
