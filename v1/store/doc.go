// Package store defines the shared key-value contract used by locks and
// presence. Every implementation must provide per-key TTLs and atomic
// conditional writes (SetNX, CompareAndSwap, CompareAndDelete); correctness of
// lock acquisition across processes depends on them.
package store
