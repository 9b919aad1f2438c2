// Package balancer selects a backend address for each request.
//
// Selection is round robin over the healthy instances of a service. Health is
// tracked per address and survives topology swaps for addresses that remain
// in the new snapshot. Each service keeps its own cursor, and the cursor is
// re-clamped when the healthy set shrinks, so fairness is exact only while
// the healthy set is stable.
package balancer
