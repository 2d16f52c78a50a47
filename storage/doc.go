// Package storage defines the key-value port that all OAuth state
// (authorization codes, usage counters, clients, consent grants, refresh
// tokens) is persisted through.
//
// The port is deliberately narrow: Get, PutWithTTL, Increment, Delete, Keys.
// The atomic Increment is the only concurrency primitive the core relies on;
// there is no distributed lock manager anywhere in the system.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
