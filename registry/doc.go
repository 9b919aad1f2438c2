// Package registry maintains the live set of backend services.
//
// Descriptors are stored as JSON under "services.<name>" in a coordination
// Store, normally a JetStream KV bucket (KVStore) and in standalone mode an
// in-process MemoryStore. The Registry keeps an immutable Snapshot of every
// descriptor behind an atomic pointer. On start and on every change
// notification it re-reads the whole prefix and publishes a new Snapshot to
// all Watch channels.
//
// The view is eventually consistent. When the store is unreachable Resolve
// keeps answering from the last published snapshot and the watch loop retries
// its subscription with backoff until the registry is stopped.
package registry
