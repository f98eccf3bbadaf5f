// Package listener binds server listeners with port-conflict recovery.
// Bootstrap asks a factory for a fresh server on every attempt, binds the
// candidate port and, when the address is already in use, discards that
// server and moves on to the next port in a bounded linear sequence. Any other
// bind failure aborts immediately. Serving the bound listener is left to the
// caller so HTTP and TLS listeners share the same bootstrap.
package listener
