// Package tiercache is the gateway's response cache: a bounded in-process
// tier in front of a tier shared by every replica.
//
// Reads go local first, then shared; a shared hit warms the local tier for
// whatever lifetime the entry has left. Writes go to both. The shared tier is
// optional and its failures never fail a request: a failed read is a miss and
// a failed write is skipped.
//
// Keys are derived with Key from the service name, the normalized query text
// and the variables, so formatting differences in the query do not split the
// cache.
package tiercache
