// Package engine keeps documents alive in memory and serializes every
// mutation of each one through the durability store.
//
// ARCHITECTURE:
//
// Sharding:
// Service owns a fixed set of shards. A key always lands on shard
// hash(key) mod N, and everything that touches that key's Durable runs as a
// task on that shard. Shard state needs no locks.
//
// Entity Actor:
// Durable wraps one LivingDocument. At most one transaction is waiting on
// the store at a time; later requests queue behind it and run in arrival
// order. A failed store write after the document already changed in memory
// is catastrophic: the Durable dies, its views are dropped, every queued
// request fails and the shard forgets it.
//
// Request Flow:
// 1. Service routes the call to the key's shard
// 2. The shard finds the resident Durable or loads it from the store
// 3. Durable builds a command envelope and ingests it
// 4. The document computes the change; the store makes it durable
// 5. The caller's callback runs on the shard with the new sequence
//
// Continuations of store, finder and factory calls always come back through
// executor.Await, so callbacks observe shard state from the shard goroutine.
package engine
