// Package rediscache holds the Redis-backed helpers of creditd: a read-side
// balance cache invalidated after ledger commits, and a shared store of
// processed provider event ids.
package rediscache
