// Package bridge carries framed traffic between the gateway and remote probes
// over long-lived TCP connections.
//
// # Framing
//
// Each frame is a 4-byte big-endian length followed by a JSON object:
//
//	{"type": "send", "address": "...", "replyAddress": "...", "headers": {...}, "body": {...}}
//
// ReadFrame distinguishes a body that fails to decode (ErrInvalidFrame, the
// stream is still aligned and the connection survives) from a bad length
// prefix (ErrFrameTooLarge, the connection is closed).
//
// # Allow-lists
//
// Permits holds two sets of anchored regular expressions. Inbound patterns
// gate the addresses probes may send status frames to; outbound patterns gate
// the command addresses the gateway delivers on and that probes may register
// to listen on. Frames outside the lists are answered with an access_denied
// err frame and dropped.
//
// # Connection Lifecycle
//
//  1. The probe sends the connect frame to platform.status.probe-connected
//     with its instance id and metadata. The id is bound to the socket.
//  2. The probe sends a register frame for each capability it serves. The
//     server queues a registered ack, then calls Handler.RemoteRegistered.
//     Because every frame to a probe goes through one ordered queue, any
//     catch-up commands the handler sends arrive after the ack.
//  3. Status frames (applied, removed, hit) are forwarded to
//     Handler.HandleStatus with the agent_id header overwritten from the
//     socket identity, so a probe cannot speak for another.
//  4. When the socket closes, or the probe sends to
//     platform.status.probe-disconnected, Handler.ProbeDisconnected runs once.
//
// # Sending Commands
//
// Conn.Send queues a message frame on "<capability>:<probeID>" and returns
// immediately; a single writer goroutine per connection performs the socket
// writes. A full queue fails fast with ErrQueueFull instead of stalling the
// caller.
//
// # Client
//
// Client implements the probe side of the protocol. The fake-probe command
// and the integration tests use it.
package bridge
