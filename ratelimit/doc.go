// Package ratelimit enforces a fixed-window request limit per identifier.
//
// Time is cut into windows of Config.Window aligned to the Unix epoch. Each
// request increments the counter for its identifier and the current window
// index; the request is admitted while the count stays within MaxRequests.
// Counters live in a CounterStore that expires them on its own, either a
// JetStream KV bucket shared by every replica or an in-process map.
//
// When the store cannot be reached the FailurePolicy decides the answer.
package ratelimit
