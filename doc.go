// Package fedgate is a gateway for GraphQL subgraph services.
//
// Clients POST a GraphQL request naming a subgraph. The gateway admits it
// against a per-client rate limit, answers queries from a two-tier response
// cache when it can, and otherwise forwards the request to a healthy
// instance of the subgraph picked round-robin. Forwarding is guarded by a
// per-service circuit breaker and retried with exponential backoff.
//
// # Architecture
//
//	cmd/fedgate        process wiring, flags, signal handling
//	gateway/http       HTTP surface: /graphql, /health, /metrics, /services, /watch
//	gateway            request pipeline, routing plan, health and topology loops
//	registry           service descriptors in a watched KV prefix, immutable snapshots
//	balancer           round-robin over healthy instances
//	breaker            closed, open and half-open circuits per service
//	ratelimit          fixed-window counters in a shared store
//	tiercache          local LRU+TTL tier over a shared KV tier
//	pkg/cache          generic hybrid LRU+TTL cache
//	pkg/retry          backoff loop and breaker-gated executor
//	health             probes, per-service status, aggregate monitor
//	metric             Prometheus registry and per-service aggregates
//	natsclient         NATS connection and JetStream KV helpers
//	config             layered JSON/YAML configuration with env overrides
//	errors             classified errors and gateway error kinds
//
// # Shared state
//
// With store mode "nats", service descriptors, cached responses and rate
// limit counters live in three JetStream KV buckets so every gateway replica
// sees the same topology, cache and budgets. With store mode "memory" the
// same components run on in-process stores.
//
// # Running
//
//	fedgate --config=/etc/fedgate/gateway.yaml
//	FEDGATE_STORE_MODE=memory fedgate --log-format=text
package fedgate
