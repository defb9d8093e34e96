// Package signaling relays call setup messages between browser clients.
//
// Relay implements the four client operations on top of a Registry. Server
// exposes them over a WebSocket endpoint, one session per connection.
package signaling
