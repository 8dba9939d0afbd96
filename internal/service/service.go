// ABOUTME: Developer-facing facade over the live controller
// ABOUTME: Resolves caller identity from context and delegates each operation

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/probe-gateway/internal/auth"
	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/live"
)

var (
	// ErrMissingIdentity means the request carried no developer identity.
	ErrMissingIdentity = errors.New("missing developer identity")
	// ErrForbidden means the caller may not act on another developer's instruments.
	ErrForbidden = errors.New("operation requires admin role")
)

// DefaultApplyTimeout bounds apply-immediately adds.
const DefaultApplyTimeout = 30 * time.Second

// Config tunes the facade.
type Config struct {
	ApplyTimeout time.Duration
	Logger       *slog.Logger
}

// Service exposes instrument operations for one developer at a time.
type Service struct {
	ctrl         *live.Controller
	applyTimeout time.Duration
	logger       *slog.Logger
}

// New creates a facade over ctrl.
func New(ctrl *live.Controller, cfg Config) *Service {
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ctrl:         ctrl,
		applyTimeout: cfg.ApplyTimeout,
		logger:       logger.With("component", "service"),
	}
}

// AddResult is one item of a batch add.
type AddResult struct {
	Instrument *instrument.Instrument `json:"instrument,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Err        error                  `json:"-"`
}

func identity(ctx context.Context) (*auth.AuthContext, error) {
	a := auth.FromContext(ctx)
	if a == nil || a.PrincipalID == "" {
		return nil, ErrMissingIdentity
	}
	return a, nil
}

// AddInstrument registers spec for the caller.
func (s *Service) AddInstrument(ctx context.Context, spec *instrument.Instrument) (*instrument.Instrument, error) {
	who, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	return s.add(ctx, who.PrincipalID, spec)
}

func (s *Service) add(ctx context.Context, owner string, spec *instrument.Instrument) (*instrument.Instrument, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: empty instrument", instrument.ErrInvalidPayload)
	}
	if spec.ApplyImmediately {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.applyTimeout)
			defer cancel()
		}
	}

	inst, err := s.ctrl.Add(ctx, owner, spec)
	if err != nil {
		s.logger.Info("add rejected", "owner", owner, "kind", spec.Kind, "error", err)
		return nil, err
	}
	return inst, nil
}

// AddInstruments adds each spec in order and reports every outcome.
func (s *Service) AddInstruments(ctx context.Context, specs []*instrument.Instrument) ([]AddResult, error) {
	who, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]AddResult, len(specs))
	for i, spec := range specs {
		inst, err := s.add(ctx, who.PrincipalID, spec)
		if err != nil {
			results[i] = AddResult{Error: err.Error(), Err: err}
			continue
		}
		results[i] = AddResult{Instrument: inst}
	}

	s.logger.Debug("batch add finished", "owner", who.PrincipalID, "count", len(specs))
	return results, nil
}

// RemoveInstrument removes one instrument by id.
func (s *Service) RemoveInstrument(ctx context.Context, id string) (*instrument.Instrument, error) {
	if _, err := identity(ctx); err != nil {
		return nil, err
	}
	return s.ctrl.Remove(ctx, id)
}

// RemoveInstrumentsByLocation removes every instrument at exactly loc.
// kind narrows the match; "" matches all kinds.
func (s *Service) RemoveInstrumentsByLocation(ctx context.Context, loc instrument.Location, kind instrument.Kind) ([]*instrument.Instrument, error) {
	if _, err := identity(ctx); err != nil {
		return nil, err
	}
	if loc.Source == "" {
		return nil, fmt.Errorf("%w: source is required", instrument.ErrInvalidLocation)
	}
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", instrument.ErrUnknownKind, kind)
	}
	return s.ctrl.RemoveByLocation(ctx, loc, kind), nil
}

// GetInstrument returns one live instrument.
func (s *Service) GetInstrument(ctx context.Context, id string) (*instrument.Instrument, error) {
	if _, err := identity(ctx); err != nil {
		return nil, err
	}
	inst, ok := s.ctrl.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", live.ErrInstrumentNotFound, id)
	}
	return inst, nil
}

// GetInstrumentsByIds returns the live instruments among ids, in request order.
func (s *Service) GetInstrumentsByIds(ctx context.Context, ids []string) ([]*instrument.Instrument, error) {
	if _, err := identity(ctx); err != nil {
		return nil, err
	}
	return s.ctrl.GetMany(ids), nil
}

// ListActive returns every live instrument when kind is empty, otherwise the
// applied instruments of that kind.
func (s *Service) ListActive(ctx context.Context, kind instrument.Kind) ([]instrument.DeveloperInstrument, error) {
	if _, err := identity(ctx); err != nil {
		return nil, err
	}
	if kind == "" {
		return s.ctrl.List(live.Filter{}), nil
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", instrument.ErrUnknownKind, kind)
	}
	return s.ctrl.List(live.Filter{Kind: kind, AppliedOnly: true}), nil
}

// Clear removes the caller's own instruments.
func (s *Service) Clear(ctx context.Context) (int, error) {
	who, err := identity(ctx)
	if err != nil {
		return 0, err
	}
	return s.ctrl.Clear(ctx, who.PrincipalID), nil
}

// ClearAll removes ownerID's instruments, or every instrument when ownerID
// is empty. Anything beyond the caller's own instruments needs admin.
func (s *Service) ClearAll(ctx context.Context, ownerID string) (int, error) {
	who, err := identity(ctx)
	if err != nil {
		return 0, err
	}
	if ownerID != who.PrincipalID && !who.IsAdmin() {
		return 0, ErrForbidden
	}

	n := s.ctrl.Clear(ctx, ownerID)
	s.logger.Info("instruments cleared", "by", who.PrincipalID, "owner", ownerID, "count", n)
	return n, nil
}
