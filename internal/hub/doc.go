// Package hub fans timer lifecycle events out to every connected observer.
//
// # Transports
//
// Observers are grouped by transport (WebSocket, SSE, gRPC stream). The hub is
// the single place events are copied to subscribers, so every transport sees
// the same payload in the same order.
//
// # Bootstrap
//
// A new subscription starts with exactly one bootstrap event carrying the
// snapshot handed to Subscribe. Callers that need the snapshot to be
// consistent with the event stream must take it and subscribe while holding
// the lock that serializes their Publish calls (the registry does this).
//
// # Pruning
//
// A subscription leaves the hub when its context ends (disconnect), when the
// transport calls Close, or when Publish finds its buffer full. Publish never
// blocks on a slow observer.
package hub
