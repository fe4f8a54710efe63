// Package contracts provides the message model shared by the rabbitrpc publisher and reply collector.
//
// A Message is created fresh for every call. It is owned by the caller until it is handed to the
// publisher, and a reply Message is owned by the caller once the collector has matched it.
//
// The package also carries the broker-level constants both sides agree on:
//   - delivery modes (transient / persistent)
//   - the default content type applied to replies that omit one
//   - the header used to carry the protocol action
//   - the consistent-hash exchange type
package contracts
