// Package proxy implements the development passthrough that relays requests
// under a configured path prefix to a single upstream target. The Forwarder
// is a fiber middleware: matching requests are rewritten, re-issued through a
// shared http.Client and streamed back verbatim; everything else falls through
// to the next pipeline stage.
package proxy
