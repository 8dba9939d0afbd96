// ABOUTME: HTTP API handlers exposing the instrument service as JSON
// ABOUTME: Covers add (with Idempotency-Key), batch, lookup, removal, clear, probes and history

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/probe-gateway/internal/auth"
	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/live"
	"github.com/2389/probe-gateway/internal/probe"
	"github.com/2389/probe-gateway/internal/service"
	"github.com/2389/probe-gateway/internal/store"
)

const (
	// HeaderIdempotencyKey lets clients retry POST /api/instruments safely.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay marks a response served from the idempotency cache.
	HeaderIdempotentReplay = "Idempotent-Replay"

	maxRequestBody = 1 << 20
)

// ProbesResponse is the JSON response for GET /api/probes.
type ProbesResponse struct {
	Probes    []probe.Info     `json:"probes"`
	Connected int64            `json:"connected"`
	Remotes   map[string]int64 `json:"remotes"`
}

// InstrumentsResponse is the JSON response for listing endpoints.
type InstrumentsResponse struct {
	Instruments []instrument.DeveloperInstrument `json:"instruments"`
}

// BatchAddRequest is the JSON request body for POST /api/instruments/batch.
type BatchAddRequest struct {
	Instruments []*instrument.Instrument `json:"instruments"`
}

// BatchAddResponse is the JSON response for POST /api/instruments/batch.
type BatchAddResponse struct {
	Results []service.AddResult `json:"results"`
}

// LookupRequest is the JSON request body for POST /api/instruments/lookup.
type LookupRequest struct {
	IDs []string `json:"ids"`
}

// LookupResponse is the JSON response for POST /api/instruments/lookup.
type LookupResponse struct {
	Instruments []*instrument.Instrument `json:"instruments"`
}

// RemovedResponse is the JSON response for removal by location.
type RemovedResponse struct {
	Removed []*instrument.Instrument `json:"removed"`
}

// ClearResponse is the JSON response for POST /api/instruments/clear.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// apiRoutes maps each authenticated API pattern to its handler.
func (g *Gateway) apiRoutes() map[string]http.Handler {
	return map[string]http.Handler{
		"GET /api/probes":                   http.HandlerFunc(g.handleListProbes),
		"GET /api/instruments":              http.HandlerFunc(g.handleListInstruments),
		"POST /api/instruments":             http.HandlerFunc(g.handleAddInstrument),
		"DELETE /api/instruments":           http.HandlerFunc(g.handleRemoveByLocation),
		"POST /api/instruments/batch":       http.HandlerFunc(g.handleAddInstruments),
		"POST /api/instruments/lookup":      http.HandlerFunc(g.handleLookupInstruments),
		"POST /api/instruments/clear":       http.HandlerFunc(g.handleClearInstruments),
		"GET /api/instruments/{id}":         http.HandlerFunc(g.handleGetInstrument),
		"DELETE /api/instruments/{id}":      http.HandlerFunc(g.handleRemoveInstrument),
		"GET /api/instruments/{id}/history": http.HandlerFunc(g.handleInstrumentHistory),
		"GET /api/events":                   http.HandlerFunc(g.handleEventStream),
	}
}

// handleListProbes handles GET /api/probes.
func (g *Gateway) handleListProbes(w http.ResponseWriter, r *http.Request) {
	probes := g.tracker.List()
	if probes == nil {
		probes = []probe.Info{}
	}
	g.writeJSON(w, http.StatusOK, ProbesResponse{
		Probes:    probes,
		Connected: g.tracker.ConnectedCount(),
		Remotes:   g.tracker.Counters().Remotes(),
	})
}

// handleListInstruments handles GET /api/instruments[?kind=].
func (g *Gateway) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := g.service.ListActive(r.Context(), kind)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if list == nil {
		list = []instrument.DeveloperInstrument{}
	}
	g.writeJSON(w, http.StatusOK, InstrumentsResponse{Instruments: list})
}

// handleAddInstrument handles POST /api/instruments. A repeated
// Idempotency-Key from the same developer replays the first successful
// response instead of adding again.
func (g *Gateway) handleAddInstrument(w http.ResponseWriter, r *http.Request) {
	var spec instrument.Instrument
	if err := decodeRequest(w, r, &spec); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		g.addInstrument(w, r, &spec, "")
		return
	}

	who := auth.FromContext(r.Context())
	if who == nil {
		g.sendServiceError(w, service.ErrMissingIdentity)
		return
	}
	scoped := who.PrincipalID + "|" + key
	if cached, found := g.dedupe.Claim(scoped); found {
		if cached == "" {
			g.sendJSONError(w, http.StatusConflict, "request with this idempotency key is still in progress")
			return
		}
		g.logger.Debug("replaying idempotent add", "owner", who.PrincipalID, "key", key)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderIdempotentReplay, "true")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, cached)
		return
	}
	g.addInstrument(w, r, &spec, scoped)
}

func (g *Gateway) addInstrument(w http.ResponseWriter, r *http.Request, spec *instrument.Instrument, claimed string) {
	inst, err := g.service.AddInstrument(r.Context(), spec)
	if err != nil {
		if claimed != "" {
			g.dedupe.Release(claimed)
		}
		g.sendServiceError(w, err)
		return
	}

	body, err := json.Marshal(inst)
	if err != nil {
		if claimed != "" {
			g.dedupe.Release(claimed)
		}
		g.logger.Error("failed to marshal instrument", "instrument_id", inst.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if claimed != "" {
		g.dedupe.Store(claimed, string(body))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// handleAddInstruments handles POST /api/instruments/batch. Per-item
// failures are reported in the results; the request itself succeeds.
func (g *Gateway) handleAddInstruments(w http.ResponseWriter, r *http.Request) {
	var req BatchAddRequest
	if err := decodeRequest(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Instruments) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "instruments is required")
		return
	}

	results, err := g.service.AddInstruments(r.Context(), req.Instruments)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, BatchAddResponse{Results: results})
}

// handleGetInstrument handles GET /api/instruments/{id}.
func (g *Gateway) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := g.service.GetInstrument(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, inst)
}

// handleRemoveInstrument handles DELETE /api/instruments/{id}.
func (g *Gateway) handleRemoveInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := g.service.RemoveInstrument(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, inst)
}

// handleLookupInstruments handles POST /api/instruments/lookup.
func (g *Gateway) handleLookupInstruments(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if err := decodeRequest(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	found, err := g.service.GetInstrumentsByIds(r.Context(), req.IDs)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if found == nil {
		found = []*instrument.Instrument{}
	}
	g.writeJSON(w, http.StatusOK, LookupResponse{Instruments: found})
}

// handleRemoveByLocation handles
// DELETE /api/instruments?source=&line=&service=&service_instance=&kind=.
func (g *Gateway) handleRemoveByLocation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := instrument.Location{
		Source:          q.Get("source"),
		Service:         q.Get("service"),
		ServiceInstance: q.Get("service_instance"),
	}
	if raw := q.Get("line"); raw != "" {
		line, err := strconv.Atoi(raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "line must be an integer")
			return
		}
		loc.Line = line
	}
	kind, err := kindParam(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := g.service.RemoveInstrumentsByLocation(r.Context(), loc, kind)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if removed == nil {
		removed = []*instrument.Instrument{}
	}
	g.writeJSON(w, http.StatusOK, RemovedResponse{Removed: removed})
}

// handleClearInstruments handles POST /api/instruments/clear. Without
// parameters it clears the caller's instruments; ?owner= clears another
// developer's and ?all=true clears everyone's, both requiring admin.
func (g *Gateway) handleClearInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner")
	all := q.Get("all") == "true"

	var n int
	var err error
	switch {
	case all:
		n, err = g.service.ClearAll(r.Context(), "")
	case owner != "":
		n, err = g.service.ClearAll(r.Context(), owner)
	default:
		n, err = g.service.Clear(r.Context())
	}
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ClearResponse{Removed: n})
}

// handleInstrumentHistory handles GET /api/instruments/{id}/history. The
// instrument does not have to be live any more.
func (g *Gateway) handleInstrumentHistory(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "event ledger disabled")
		return
	}

	q := r.URL.Query()
	params := store.ListParams{
		InstrumentID: r.PathValue("id"),
		Type:         strings.ToUpper(q.Get("type")),
		Cursor:       q.Get("cursor"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		params.Limit = limit
	}

	result, err := g.store.ListEvents(r.Context(), params)
	if errors.Is(err, store.ErrInvalidCursor) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	if err != nil {
		g.logger.Error("failed to list instrument history", "instrument_id", params.InstrumentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if result.Events == nil {
		result.Events = []store.Event{}
	}
	g.writeJSON(w, http.StatusOK, result)
}

func kindParam(r *http.Request) (instrument.Kind, error) {
	raw := r.URL.Query().Get("kind")
	if raw == "" {
		return "", nil
	}
	return instrument.ParseKind(raw)
}

// decodeRequest parses a bounded JSON request body into dst.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// errorStatus maps a service error to its HTTP status.
func errorStatus(err error) int {
	var missing *instrument.MissingRemoteError
	var evaluation *instrument.EvaluationError
	var denied *instrument.PermissionDeniedError

	switch {
	case errors.Is(err, service.ErrMissingIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden), errors.As(err, &denied):
		return http.StatusForbidden
	case errors.Is(err, live.ErrInstrumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, live.ErrDuplicateInstrument):
		return http.StatusConflict
	case errors.Is(err, live.ErrRemovedBeforeApply):
		return http.StatusGone
	case errors.As(err, &missing):
		return http.StatusServiceUnavailable
	case errors.As(err, &evaluation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, instrument.ErrUnknownKind),
		errors.Is(err, instrument.ErrInvalidLocation),
		errors.Is(err, instrument.ErrInvalidPayload),
		errors.Is(err, instrument.ErrInvalidLimit):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError writes err as a JSON error with its mapped status.
// Unexpected errors are logged and hidden from the client.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	if status == http.StatusGatewayTimeout {
		g.sendJSONError(w, status, fmt.Sprintf("instrument not applied in time: %v", err))
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
