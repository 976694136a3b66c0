// Package metadata persists the daemon's records.
//
// A [Store] wraps a single bbolt database file holding JSON records in
// named buckets: container records, image records, and layer reference
// counts. Components that must update several records atomically (such as
// binding an image while incrementing its layers' reference counts) share
// one [Tx] via [Store.Update].
package metadata
