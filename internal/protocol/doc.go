// Package protocol defines the JSON messages exchanged over the signaling
// WebSocket.
//
// Every frame is a single JSON object with a "type" discriminator. Clients
// send registerUser, call, acceptCall and sendRtcData requests; the server
// pushes receiveUsers, receiveCall, receiveAcceptCall and receiveRtcData
// notifications, plus completion and error replies.
//
// Negotiation payloads (session descriptions, ICE candidates) travel as
// opaque strings and are never decoded here.
package protocol
