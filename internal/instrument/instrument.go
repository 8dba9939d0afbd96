// ABOUTME: Live instrument model: closed Kind enum, location, throttle and kind payloads
// ABOUTME: Provides validation, kind defaults and deep copies for the controller

package instrument

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the instrument variants.
type Kind string

const (
	KindBreakpoint Kind = "BREAKPOINT"
	KindLog        Kind = "LOG"
	KindMeter      Kind = "METER"
	KindSpan       Kind = "SPAN"
)

// Kinds lists every valid Kind in a stable order.
var Kinds = []Kind{KindBreakpoint, KindLog, KindMeter, KindSpan}

// Validation errors.
var (
	ErrUnknownKind     = errors.New("unknown instrument kind")
	ErrInvalidLocation = errors.New("invalid location")
	ErrInvalidPayload  = errors.New("invalid instrument payload")
	ErrInvalidLimit    = errors.New("invalid hit limit or throttle")
)

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindBreakpoint, KindLog, KindMeter, KindSpan:
		return true
	}
	return false
}

// Remote returns the capability address probes register to receive commands
// for this kind.
func (k Kind) Remote() string {
	switch k {
	case KindBreakpoint:
		return RemoteBreakpoint
	case KindLog:
		return RemoteLog
	case KindMeter:
		return RemoteMeter
	case KindSpan:
		return RemoteSpan
	}
	return ""
}

// DefaultHitLimit is the hit limit applied when a caller leaves it unset.
// Breakpoints and logs fire once; meters and spans run until removed.
func (k Kind) DefaultHitLimit() int {
	switch k {
	case KindBreakpoint, KindLog:
		return 1
	}
	return Unlimited
}

// Unlimited disables the hit limit.
const Unlimited = -1

// Location identifies where an instrument applies. Service and
// ServiceInstance narrow which probes receive it; empty means any.
type Location struct {
	Source          string `json:"source"`
	Line            int    `json:"line"`
	Service         string `json:"service,omitempty"`
	ServiceInstance string `json:"service_instance,omitempty"`
}

// Matches reports whether a probe running the given service and instance
// falls inside this location's filter.
func (l Location) Matches(service, serviceInstance string) bool {
	if l.Service != "" && l.Service != service {
		return false
	}
	if l.ServiceInstance != "" && l.ServiceInstance != serviceInstance {
		return false
	}
	return true
}

func (l Location) String() string {
	s := fmt.Sprintf("%s:%d", l.Source, l.Line)
	if l.Service != "" {
		s += "@" + l.Service
		if l.ServiceInstance != "" {
			s += "/" + l.ServiceInstance
		}
	}
	return s
}

// ThrottleStep is the window a throttle limit applies to.
type ThrottleStep string

const (
	StepSecond ThrottleStep = "SECOND"
	StepMinute ThrottleStep = "MINUTE"
	StepHour   ThrottleStep = "HOUR"
	StepDay    ThrottleStep = "DAY"
)

// Throttle caps how often a probe reports hits for an instrument.
type Throttle struct {
	Limit int          `json:"limit"`
	Step  ThrottleStep `json:"step"`
}

// DefaultThrottle allows one hit per second.
var DefaultThrottle = Throttle{Limit: 1, Step: StepSecond}

// BreakpointSpec bounds how much state a breakpoint captures.
type BreakpointSpec struct {
	MaxObjectDepth      int `json:"max_object_depth,omitempty"`
	MaxObjectSize       int `json:"max_object_size,omitempty"`
	MaxCollectionLength int `json:"max_collection_length,omitempty"`
}

// LogSpec is the log statement a probe emits on each hit.
type LogSpec struct {
	Format    string   `json:"format"`
	Arguments []string `json:"arguments,omitempty"`
}

// MeterType selects how a meter aggregates.
type MeterType string

const (
	MeterCount     MeterType = "COUNT"
	MeterGauge     MeterType = "GAUGE"
	MeterHistogram MeterType = "HISTOGRAM"
)

// MetricValue describes what a meter records on each hit.
type MetricValue struct {
	Type  string `json:"value_type"`
	Value string `json:"value"`
}

// MeterSpec is the meter definition.
type MeterSpec struct {
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Type        MeterType   `json:"meter_type"`
	Value       MetricValue `json:"metric_value"`
}

// SpanSpec names the span opened around the instrumented method.
type SpanSpec struct {
	OperationName string `json:"operation_name"`
}

// Instrument is a live instrument of any kind. Exactly one of the payload
// pointers matching Kind may be set.
type Instrument struct {
	ID               string   `json:"id,omitempty"`
	Kind             Kind     `json:"type"`
	Location         Location `json:"location"`
	Condition        string   `json:"condition,omitempty"`
	Meta             Meta     `json:"meta"`
	Pending          bool     `json:"pending"`
	Applied          bool     `json:"applied"`
	ExpiresAt        int64    `json:"expires_at,omitempty"` // epoch millis, 0 = never
	HitLimit         int      `json:"hit_limit"`
	Throttle         Throttle `json:"throttle"`
	ApplyImmediately bool     `json:"apply_immediately,omitempty"`

	Breakpoint *BreakpointSpec `json:"breakpoint,omitempty"`
	Log        *LogSpec        `json:"log,omitempty"`
	Meter      *MeterSpec      `json:"meter,omitempty"`
	Span       *SpanSpec       `json:"span,omitempty"`
}

// Validate checks the instrument is well formed for its kind.
func (i *Instrument) Validate() error {
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, i.Kind)
	}
	if i.Location.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidLocation)
	}
	// Spans attach to a method, so line 0 is accepted for them.
	if i.Location.Line < 0 || (i.Location.Line == 0 && i.Kind != KindSpan) {
		return fmt.Errorf("%w: line must be positive", ErrInvalidLocation)
	}
	if i.HitLimit < Unlimited {
		return fmt.Errorf("%w: hit_limit %d", ErrInvalidLimit, i.HitLimit)
	}
	if i.Throttle.Limit < 0 {
		return fmt.Errorf("%w: throttle limit %d", ErrInvalidLimit, i.Throttle.Limit)
	}

	switch i.Kind {
	case KindBreakpoint:
		if i.Log != nil || i.Meter != nil || i.Span != nil {
			return fmt.Errorf("%w: breakpoint carries another kind's payload", ErrInvalidPayload)
		}
	case KindLog:
		if i.Breakpoint != nil || i.Meter != nil || i.Span != nil {
			return fmt.Errorf("%w: log carries another kind's payload", ErrInvalidPayload)
		}
		if i.Log == nil || i.Log.Format == "" {
			return fmt.Errorf("%w: log format is required", ErrInvalidPayload)
		}
	case KindMeter:
		if i.Breakpoint != nil || i.Log != nil || i.Span != nil {
			return fmt.Errorf("%w: meter carries another kind's payload", ErrInvalidPayload)
		}
		if i.Meter == nil {
			return fmt.Errorf("%w: meter definition is required", ErrInvalidPayload)
		}
		switch i.Meter.Type {
		case MeterCount, MeterGauge, MeterHistogram:
		default:
			return fmt.Errorf("%w: meter type %q", ErrInvalidPayload, i.Meter.Type)
		}
	case KindSpan:
		if i.Breakpoint != nil || i.Log != nil || i.Meter != nil {
			return fmt.Errorf("%w: span carries another kind's payload", ErrInvalidPayload)
		}
		if i.Span == nil || i.Span.OperationName == "" {
			return fmt.Errorf("%w: span operation name is required", ErrInvalidPayload)
		}
	}
	return nil
}

// ApplyDefaults fills in the kind's hit limit and the default throttle where
// the caller left them unset.
func (i *Instrument) ApplyDefaults() {
	if i.HitLimit == 0 {
		i.HitLimit = i.Kind.DefaultHitLimit()
	}
	if i.Throttle.Limit == 0 && i.Throttle.Step == "" {
		i.Throttle = DefaultThrottle
	}
	if i.Throttle.Step == "" {
		i.Throttle.Step = StepSecond
	}
	if i.Kind == KindBreakpoint && i.Breakpoint == nil {
		i.Breakpoint = &BreakpointSpec{}
	}
}

// Expired reports whether the instrument has an expiry at or before nowMillis.
func (i *Instrument) Expired(nowMillis int64) bool {
	return i.ExpiresAt != 0 && i.ExpiresAt <= nowMillis
}

// Clone returns a deep copy.
func (i *Instrument) Clone() *Instrument {
	c := *i
	c.Meta = i.Meta.Clone()
	if i.Breakpoint != nil {
		bp := *i.Breakpoint
		c.Breakpoint = &bp
	}
	if i.Log != nil {
		l := *i.Log
		l.Arguments = append([]string(nil), i.Log.Arguments...)
		c.Log = &l
	}
	if i.Meter != nil {
		m := *i.Meter
		c.Meter = &m
	}
	if i.Span != nil {
		s := *i.Span
		c.Span = &s
	}
	return &c
}

// DeveloperInstrument pairs an instrument with the developer who owns it.
// Identity is the instrument id alone.
type DeveloperInstrument struct {
	OwnerID    string     `json:"owner_id"`
	Instrument Instrument `json:"instrument"`
}

// Same reports whether both wrap the same instrument id.
func (d DeveloperInstrument) Same(other DeveloperInstrument) bool {
	return d.Instrument.ID != "" && d.Instrument.ID == other.Instrument.ID
}
