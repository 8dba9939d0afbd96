// ABOUTME: Bridge addresses for probe status frames and per-kind command capabilities
// ABOUTME: Commands travel on "<capability>:<probeID>" sub-channels

package instrument

import "strings"

// Status addresses, probe to gateway.
const (
	AddressProbeConnected    = "platform.status.probe-connected"
	AddressProbeDisconnected = "platform.status.probe-disconnected"
	AddressApplied           = "probe.status.live-instrument-applied"
	AddressRemoved           = "probe.status.live-instrument-removed"
	AddressHit               = "probe.status.live-instrument-hit"
)

// Capability addresses, gateway to probe.
const (
	RemoteBreakpoint = "probe.command.live-breakpoint"
	RemoteLog        = "probe.command.live-log"
	RemoteMeter      = "probe.command.live-meter"
	RemoteSpan       = "probe.command.live-span"
)

// Remotes lists every capability address.
var Remotes = []string{RemoteBreakpoint, RemoteLog, RemoteMeter, RemoteSpan}

// ProbeAddress is the sub-channel a single probe listens on for a capability.
func ProbeAddress(remote, probeID string) string {
	return remote + ":" + probeID
}

// SplitProbeAddress reverses ProbeAddress.
func SplitProbeAddress(address string) (remote, probeID string, ok bool) {
	i := strings.LastIndexByte(address, ':')
	if i <= 0 || i == len(address)-1 {
		return "", "", false
	}
	return address[:i], address[i+1:], true
}

// KindForRemote maps a capability address back to its instrument kind.
func KindForRemote(remote string) (Kind, bool) {
	for _, k := range Kinds {
		if k.Remote() == remote {
			return k, true
		}
	}
	return "", false
}
