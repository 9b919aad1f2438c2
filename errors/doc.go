// Package errors provides standardized error handling for fedgate.
//
// # Classification
//
// Every error can be classified as Transient (retry may help), Invalid (bad
// input, do not retry) or Fatal (stop processing). IsTransient honours
// GatewayError kinds first, then ClassifiedError wrappers, then the standard
// sentinels, then message patterns.
//
//	if errors.IsTransient(err) {
//	    // back off and try again
//	}
//
// A *GatewayError is classified by its Kind. Transport failures, upstream
// 408 and 429 and any non-4xx upstream answer, open circuits and store
// outages are transient. Unresolved services, missing instances, bad requests and the
// remaining upstream 4xx answers are not. The upstream retry executor uses
// IsTransient to decide whether to try again.
//
// Wrap adds component context following "component.method: action failed: %w":
//
//	return errors.Wrap(err, "Registry", "List", "read services")
//
// # Gateway kinds
//
// Failures that leave the request pipeline are *GatewayError values carrying a
// stable Kind and the service name. The Kind sentinels (ErrCircuitOpen,
// ErrRateLimitExceeded, ...) match any GatewayError of the same kind:
//
//	if errors.Is(err, errors.ErrCircuitOpen) { ... }
//
// KindOf and HTTPStatus map any error, including *retry.ExhaustedError, onto
// the kind and HTTP status used by the HTTP surface.
package errors
