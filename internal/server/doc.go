// Package server hosts the Fiber request pipeline and the startup runtime.
// NewApp assembles the ordered stages (request logging, recover, dev proxy,
// static assets, health, index and HTML fallback, JSON 404) from an immutable
// AppOptions value; Start binds the mandatory HTTP listener and the optional
// TLS listener through the listener package, giving each its own app built
// from the same options. Keep exports narrow and accept explicit dependencies.
package server
