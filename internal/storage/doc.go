// Package storage holds the dedup store and the subscriber registry.
//
// Every backend implements MarkSeen as a single atomic insert-if-absent so
// concurrent batches announcing the same item race inside the store, not in
// the caller:
//   - memory: sync.Map LoadOrStore plus CompareAndSwap for expired entries
//   - sqlite, postgres: INSERT ... ON CONFLICT DO UPDATE ... WHERE expired
//   - redis: SET NX PX with the dedup window as the key TTL
package storage
