// Package signaling defines the relay's wire messages and forwards
// call-setup messages between registered identities.
//
// Payloads (SDP, ICE candidates, chat text, predictions) are checked for
// shape and then spliced into the outbound event verbatim; the relay never
// interprets them. Sender identity is always stamped by the relay.
package signaling
