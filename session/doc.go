// Package session houses conversation persistence. The Store interface is the
// port agents and the runner depend on; InMemoryStore is the volatile
// reference implementation.
//
// Add additional backends (Redis, Postgres, Firestore, etc.) in sub-packages
// without changing any calling code; only the wiring layer needs to decide
// which implementation to instantiate.
package session
