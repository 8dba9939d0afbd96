// ABOUTME: Routes probe lifecycle and status frames from the bridge to tracker and controller
// ABOUTME: Decodes applied, removed and hit bodies; identity always comes from the socket

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/probe-gateway/internal/bridge"
	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/live"
	"github.com/2389/probe-gateway/internal/probe"
)

// ErrUnroutable means a status frame arrived on an address nothing handles.
var ErrUnroutable = errors.New("no route for status address")

// RemovedReport is the body of a live-instrument-removed status frame.
type RemovedReport struct {
	ID         string                 `json:"id"`
	OccurredAt int64                  `json:"occurred_at"`
	Cause      string                 `json:"cause,omitempty"`
	Instrument *instrument.Instrument `json:"instrument,omitempty"`
}

// HitReport is the body of a live-instrument-hit status frame.
type HitReport struct {
	ID         string          `json:"id"`
	OccurredAt int64           `json:"occurred_at,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// statusRouter implements bridge.Handler.
type statusRouter struct {
	tracker    *probe.Tracker
	controller *live.Controller
	logger     *slog.Logger
}

func newStatusRouter(tracker *probe.Tracker, controller *live.Controller, logger *slog.Logger) *statusRouter {
	return &statusRouter{
		tracker:    tracker,
		controller: controller,
		logger:     logger.With("component", "status-router"),
	}
}

func (r *statusRouter) ProbeConnected(_ context.Context, conn *bridge.Conn, hello bridge.Hello) error {
	connectedAt := time.Now()
	if hello.ConnectionTime > 0 {
		connectedAt = time.UnixMilli(hello.ConnectionTime)
	}
	if err := r.tracker.Connect(hello.InstanceID, hello.Meta, connectedAt, conn); err != nil {
		return fmt.Errorf("connecting probe %s: %w", hello.InstanceID, err)
	}
	return nil
}

func (r *statusRouter) ProbeDisconnected(conn *bridge.Conn) {
	r.tracker.Disconnect(conn.ProbeID())
}

func (r *statusRouter) RemoteRegistered(conn *bridge.Conn, remote string) {
	if err := r.tracker.RegisterRemote(conn.ProbeID(), remote); err != nil {
		r.logger.Warn("failed to register capability", "probe_id", conn.ProbeID(), "remote", remote, "error", err)
	}
}

func (r *statusRouter) RemoteUnregistered(conn *bridge.Conn, remote string) {
	if err := r.tracker.UnregisterRemote(conn.ProbeID(), remote); err != nil {
		r.logger.Warn("failed to unregister capability", "probe_id", conn.ProbeID(), "remote", remote, "error", err)
	}
}

// HandleStatus dispatches on the frame address. A returned error is sent
// back to the probe as an err frame.
func (r *statusRouter) HandleStatus(ctx context.Context, _ *bridge.Conn, msg bridge.Message) error {
	switch msg.Address {
	case instrument.AddressApplied:
		return r.applied(ctx, msg)
	case instrument.AddressRemoved:
		return r.removed(ctx, msg)
	case instrument.AddressHit:
		return r.hit(msg)
	default:
		return fmt.Errorf("%w: %s", ErrUnroutable, msg.Address)
	}
}

func (r *statusRouter) applied(ctx context.Context, msg bridge.Message) error {
	var inst instrument.Instrument
	if err := decodeBody(msg.Body, &inst); err != nil {
		return err
	}
	return r.controller.HandleApplied(ctx, msg.ProbeID(), &inst)
}

func (r *statusRouter) removed(ctx context.Context, msg bridge.Message) error {
	var rep RemovedReport
	if err := decodeBody(msg.Body, &rep); err != nil {
		return err
	}
	id := rep.ID
	if id == "" && rep.Instrument != nil {
		id = rep.Instrument.ID
	}
	if id == "" {
		return fmt.Errorf("%w: removed report without id", instrument.ErrInvalidPayload)
	}
	return r.controller.HandleRemoved(ctx, live.Removal{
		ID:         id,
		ProbeID:    msg.ProbeID(),
		OccurredAt: reportTime(rep.OccurredAt),
		Cause:      rep.Cause,
	})
}

func (r *statusRouter) hit(msg bridge.Message) error {
	var rep HitReport
	if err := decodeBody(msg.Body, &rep); err != nil {
		return err
	}
	if rep.ID == "" {
		return fmt.Errorf("%w: hit report without id", instrument.ErrInvalidPayload)
	}
	err := r.controller.HandleHit(live.Hit{
		ID:         rep.ID,
		ProbeID:    msg.ProbeID(),
		OccurredAt: reportTime(rep.OccurredAt),
		Data:       rep.Data,
	})
	if live.IsNotFound(err) {
		// Hits racing a removal are expected.
		r.logger.Debug("hit for unknown instrument", "instrument_id", rep.ID, "probe_id", msg.ProbeID())
		return nil
	}
	return err
}

func decodeBody(body json.RawMessage, dst any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", bridge.ErrInvalidFrame)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrInvalidFrame, err)
	}
	return nil
}

// reportTime converts a probe's epoch-millis timestamp. A missing value
// stays zero so the controller stamps it with its own clock.
func reportTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
