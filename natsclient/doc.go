// Package natsclient wraps a NATS connection and JetStream KV buckets.
//
// fedgate uses three buckets: the service registry (coordination store), the
// shared cache tier and the rate-limit counters. KVStore exposes the
// operations those components need: plain Get/Put/Delete, compare-and-swap
// Create/Update with a retrying UpdateWithRetry helper, prefix listing and
// Watch.
//
//	client, err := natsclient.NewClient(url, natsclient.WithLogger(natsclient.NewSlogLogger(logger)))
//	if err := client.Connect(ctx); err != nil { ... }
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "fedgate_services"})
//	kv := client.NewKVStore(bucket)
//
// TestClient starts a NATS server in a container for integration tests.
package natsclient
