// Package lock grants exclusive, short-lived edit locks on CRM entities.
//
// A Manager keeps at most one live lock per entity. Acquisition is a try-lock:
// contention is reported in the Result, never waited on. Mutual exclusion
// relies on the conditional writes of the underlying store.Store, so every
// API instance sharing the store observes the same holder. Expired locks are
// treated as absent at read time even before the store drops them.
package lock
