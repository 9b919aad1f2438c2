// Package breaker implements a per-service circuit breaker.
//
// A closed circuit trips open when, within the current evaluation window,
// either the consecutive failure count reaches ErrorThreshold or at least
// MinimumRequests requests have been seen and the failure rate reaches
// ErrorRatePercent. After ResetTimeout the next Allow moves the circuit to
// half-open and admits one probe; its result closes or reopens the circuit.
//
// Gate adapts a Breaker to the retry executor so that an open circuit fails a
// request before any attempt is made.
package breaker
