// Package eventnet lets processes exchange named events without a broker.
//
// Every instance of an application derives the same *rendezvous point*
// from a shared identifier: a UDP port in the dynamic range and, when
// multicast is used, an IPv4 group in `228.186.2.0/24`. Instances meeting
// on the same point form a `Network`.
//
// ## How it works
//
// An application first `Create`s a `Network`, then subscribes handlers with
// `Network.On` or `Network.Once`, and fires events with `Network.Fire`.
// A fired event is delivered to local subscribers first, then broadcast
// to every peer, which delivers it to its own subscribers. Handlers never
// run on the caller's goroutine: `Fire` returns before any of them does.
//
// Peers are found in one of two ways:
//
// * In *unicast* mode (the default), the identifier is also a DNS name
// resolving to every instance, as service discovery of container
// platforms does. The view is refreshed periodically, peers announce
// themselves when starting and say goodbye when shutting down. Static
// seeds and a gossip layer can complement DNS.
// * In *multicast* mode, every instance joins the group and a single
// datagram reaches all of them.
//
// ## Design Principles
//
// Delivery is *best-effort*. There is no acknowledgement, no retry and no
// ordering across peers: a lost datagram is a lost event. Network errors
// are logged and counted through `hashicorp/go-metrics`, they are never
// returned to callers. An instance which cannot find any peer, or even
// bind its socket, keeps delivering events locally.
//
// The wire format is deliberately tiny: a one-byte discriminator followed,
// for events, by a JSON envelope. See the `wire` package.
package eventnet
