// Package signaling relays the WebRTC offer/answer/candidate exchange between
// two paired clients.
//
// The server never interprets SDP or ICE candidates. It validates the shape of
// every message, enforces the offer -> answer -> trickle order, and forwards
// the original text to the other client.
package signaling
