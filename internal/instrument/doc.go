// Package instrument defines the live instrument model and the command
// envelope exchanged with remote probes.
//
// # Overview
//
// A live instrument is a declarative request to observe a source location in a
// running process without redeploying it. Four kinds exist:
//
//   - KindBreakpoint: capture variables and a stack when the line executes
//   - KindLog: emit a formatted log line built from captured arguments
//   - KindMeter: count, gauge or sample a value at the line
//   - KindSpan: wrap the enclosing method in a tracing span
//
// Kind is a closed enum. Every Instrument carries the shared fields (id,
// location, condition, meta, lifecycle flags, expiry, hit limit, throttle)
// plus exactly one kind-specific payload. Validate rejects payloads that do
// not belong to the declared kind, and code that switches over Kind is
// expected to handle every value listed in Kinds.
//
// # Lifecycle Flags
//
// Pending and Applied describe where an instrument sits in its lifecycle:
//
//	created -> pending -> applied -> removed
//
// Once an instrument has settled, exactly one of the two flags is true. The
// flags are owned by the live controller; callers submitting an instrument
// should leave them unset.
//
// # Meta
//
// Meta is an insertion-ordered string map that marshals as a JSON object in
// the same order. Lifecycle timestamps and hit counters are kept outside the
// instrument by the controller and only rendered into Meta on snapshots, so
// human-facing metadata never mixes with live counters.
//
// # Commands
//
// Command is the envelope sent to probes on a capability sub-channel:
//
//	cmd := instrument.AddCommand(bp)
//	cmd := instrument.RemoveCommand(bp)
//	cmd := instrument.RemoveLocationCommand(loc)
//
// Commands are built per dispatch and never stored.
//
// # Addresses
//
// Probes register one capability address per kind (RemoteBreakpoint,
// RemoteLog, RemoteMeter, RemoteSpan) and receive commands on
// "<capability>:<probeID>". Status frames flow back on the probe.status and
// platform.status addresses declared in address.go.
//
// # Removal Causes
//
// A probe reporting a removal may attach a cause string of the form
//
//	EventBusException:<Kind>[<param>]: <message>
//
// where Kind is LiveInstrumentException (param CLASS_NOT_FOUND or
// CONDITIONAL_FAILED), MissingRemoteException (param is the capability) or
// PermissionAccessDenied (param is the permission, usually with no message).
//
// ParseCause turns it into *EvaluationError, *MissingRemoteError or
// *PermissionDeniedError. Anything else is rejected with ErrMalformedCause;
// there is no fallback.
package instrument
