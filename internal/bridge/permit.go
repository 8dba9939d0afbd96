// ABOUTME: Address allow-lists for traffic crossing the probe bridge
// ABOUTME: Inbound patterns gate probe status frames, outbound patterns gate commands

package bridge

import (
	"fmt"
	"regexp"
)

// Default address patterns.
var (
	DefaultInbound  = []string{`platform\.status\..+`, `probe\.status\..+`}
	DefaultOutbound = []string{`probe\.command\..+`}
)

// Permits holds compiled inbound and outbound allow-lists. Patterns are
// anchored so they must match the whole address.
type Permits struct {
	inbound  []*regexp.Regexp
	outbound []*regexp.Regexp
}

// NewPermits compiles the given patterns. Empty lists fall back to the
// defaults.
func NewPermits(inbound, outbound []string) (*Permits, error) {
	if len(inbound) == 0 {
		inbound = DefaultInbound
	}
	if len(outbound) == 0 {
		outbound = DefaultOutbound
	}
	in, err := compileAll(inbound)
	if err != nil {
		return nil, fmt.Errorf("inbound: %w", err)
	}
	out, err := compileAll(outbound)
	if err != nil {
		return nil, fmt.Errorf("outbound: %w", err)
	}
	return &Permits{inbound: in, outbound: out}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// Inbound reports whether probes may send to address.
func (p *Permits) Inbound(address string) bool {
	return matchAny(p.inbound, address)
}

// Outbound reports whether the gateway may deliver to address, and so
// whether probes may register to listen on it.
func (p *Permits) Outbound(address string) bool {
	return matchAny(p.outbound, address)
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
