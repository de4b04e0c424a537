// Package protocol defines the messages exchanged between the agent and its
// controller and the best-effort channel used to send them.
//
// Outbound traffic (heartbeats, results) goes through one Channel per
// execution: a single queue drained by a single goroutine, so messages of an
// execution keep their order. The first transport error shuts the channel
// down and everything after it is discarded. There are no retries.
//
// Inbound traffic (register, unregister, shutdown) is read by Pump and routed
// by a Dispatcher.
package protocol
