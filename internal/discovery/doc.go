// Package discovery advertises a gateway on the local network and finds
// advertised machines.
//
// The multicast transport is consumed through the Registrar, Browser and
// Lookup interfaces; package mdns provides the DNS-SD implementation.
//
// An Advertiser holds one registration for its whole Run. The name the
// transport reports back is authoritative: after a collision it differs
// from the requested one.
//
// A Resolver consumes a channel of Events in a single goroutine. Events for
// names outside the configured prefix are dropped before any lookup.
// Added and Updated events trigger a lookup bounded by a timeout; a failed
// lookup is logged and leaves no cached record behind. Removed events drop
// the cached record without a lookup.
package discovery
