// Package http serves the gateway over HTTP.
//
// Routes:
//
//	POST   /graphql            {service, query, variables, operationName}
//	POST   /graphql/{service}  same, service taken from the path
//	GET    /graphql            GraphQL playground
//	GET    /health             200 when every service is healthy, 503 otherwise
//	GET    /metrics            per-service request aggregates as JSON
//	GET    /metrics/prometheus Prometheus exposition
//	GET    /services           current registry snapshot
//	PUT    /services/{name}    register or replace a service descriptor
//	DELETE /services/{name}    unregister a service
//	GET    /watch              websocket stream of topology snapshots
//
// The service of a GraphQL request comes from the body, then the X-Subgraph
// header, then the path. Successful answers are the backend body verbatim.
// Failures use the GraphQL error envelope with extensions.code set to the
// gateway error kind:
//
//	{"errors":[{"message":"circuit open for service \"users\"","extensions":{"code":"CIRCUIT_OPEN","service":"users"}}]}
//
// Every response carries X-Request-ID, propagated from the client or
// generated, and the same ID is forwarded to the backend.
package http
