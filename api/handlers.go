/*
handlers.go - HTTP API handlers for the CDR ledger

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Engine.

ENDPOINTS:
  Ingestion:
    POST   /api/users/{id}/cdrs                      Append a CDR
    POST   /api/cdrs/batch                           Append many CDRs

  Current cycle:
    GET    /api/users/{id}                           Account
    GET    /api/users/{id}/cycle                     Current cycle window
    GET    /api/users/{id}/cdrs                      Records (?service_type=)
    GET    /api/users/{id}/cdrs/size                 Record count
    GET    /api/users/{id}/cdrs/{index}              One record (?service_type=)
    DELETE /api/users/{id}/cdrs/{index}              Remove a record
    GET    /api/users/{id}/balance                   Outstanding balance

  History:
    GET    /api/users/{id}/cycles                    Cycle summaries
    GET    /api/users/{id}/cycles/{cycle}/cdrs       Records of a cycle
    GET    /api/users/{id}/cycles/{cycle}/cdrs/{index}
    DELETE /api/users/{id}/cycles/{cycle}/cdrs/{index}
    GET    /api/users/{id}/snapshots                 Closed cycles

  Admin:
    POST   /api/admin/close-cycles                   Close elapsed cycles now
    GET    /api/clock                                Engine time
    POST   /api/clock/advance                        Move the manual clock

REQUEST FLOW:
  1. Parse path parameters and body
  2. Call the engine
  3. Serialize response
  4. Map errors to a status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed user id, index, service type or CDR payload
  - 404: Unknown user, position out of range
  - 409: Manual clock not configured, store lacks snapshots
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind a gateway that
  provides both.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - factory/cdr.go: CDR payload parsing
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/cdr-ledger/billing"
	"github.com/warp/cdr-ledger/factory"
)

// maxBodyBytes bounds request bodies. Batches are the largest payloads.
const maxBodyBytes = 4 << 20

// errManualClockRequired is returned by clock mutation on a system clock.
var errManualClockRequired = errors.New("manual clock is not configured")

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine

	// Manual is nil unless the server runs on a manual clock.
	Manual *billing.ManualClock

	Logger *zap.Logger
}

// NewHandler creates a new handler. manual may be nil.
func NewHandler(engine *billing.Engine, manual *billing.ManualClock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine: engine,
		Manual: manual,
		Logger: logger,
	}
}

// =============================================================================
// INGESTION HANDLERS
// =============================================================================

// AddCDR appends one CDR to the user's current cycle.
func (h *Handler) AddCDR(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cdr, err := factory.ParseCDR(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid CDR", err)
		return
	}

	rec, err := h.Engine.AddCDR(r.Context(), user, cdr)
	if err != nil {
		h.writeEngineError(w, "Failed to add CDR", err)
		return
	}

	cycle := rec.Cycle
	writeJSON(w, http.StatusCreated, RecordDTO{
		Seq:   rec.Seq,
		Cycle: &cycle,
		CDR:   factory.ToJSON(rec.CDR),
	})
}

// AddBatch appends a list of CDRs addressed to users. A malformed entry
// rejects the whole request; engine failures are reported per entry.
func (h *Handler) AddBatch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	entries, err := factory.ParseEntries(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}

	res := h.Engine.AddCDRBatch(r.Context(), entries)

	resp := BatchResponse{Results: make([]BatchItemDTO, len(entries))}
	for i := range entries {
		item := BatchItemDTO{Index: i}
		if err := res.Errors[i]; err != nil {
			item.Error = err.Error()
			resp.Rejected++
		} else {
			cycle := res.Records[i].Cycle
			item.Seq = res.Records[i].Seq
			item.Cycle = &cycle
			resp.Accepted++
		}
		resp.Results[i] = item
	}
	if err := res.Err(); err != nil {
		h.Logger.Warn("batch partially rejected",
			zap.Int("accepted", resp.Accepted),
			zap.Int("rejected", resp.Rejected),
			zap.Error(err))
	}

	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CURRENT CYCLE HANDLERS
// =============================================================================

// GetAccount returns the user's account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}

	acc, err := h.Engine.Account(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// GetCycle returns the window of the user's current billing cycle.
func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}

	cycle, err := h.Engine.CurrentCycle(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, "Failed to resolve cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(cycle))
}

// ListCDRs returns the current cycle's records, optionally of one service
// type. Positions are relative to the returned list.
func (h *Handler) ListCDRs(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	st, filtered, ok := serviceTypeParam(w, r)
	if !ok {
		return
	}

	_, records, err := h.Engine.CDRsOfCurrentCycle(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, "Failed to list CDRs", err)
		return
	}
	if filtered {
		records = billing.FilterService(records, st)
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// GetSize returns how many records the current cycle holds.
func (h *Handler) GetSize(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}

	// One engine call, so cycle and size come from the same clock reading.
	cycle, records, err := h.Engine.CDRsOfCurrentCycle(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, "Failed to count CDRs", err)
		return
	}
	writeJSON(w, http.StatusOK, SizeDTO{Cycle: cycle.Index, Size: len(records)})
}

// GetCDR returns the record at a position of the current cycle.
func (h *Handler) GetCDR(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	pos, ok := indexParam(w, r)
	if !ok {
		return
	}
	st, filtered, ok := serviceTypeParam(w, r)
	if !ok {
		return
	}

	var (
		cdr billing.CDR
		err error
	)
	if filtered {
		cdr, err = h.Engine.CDROfService(r.Context(), user, pos, st)
	} else {
		cdr, err = h.Engine.CDROf(r.Context(), user, pos)
	}
	if err != nil {
		h.writeEngineError(w, "Failed to get CDR", err)
		return
	}
	writeJSON(w, http.StatusOK, RecordDTO{Position: &pos, CDR: factory.ToJSON(cdr)})
}

// RemoveCDR deletes the record at a position of the current cycle.
func (h *Handler) RemoveCDR(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	pos, ok := indexParam(w, r)
	if !ok {
		return
	}

	if err := h.Engine.RemoveCDR(r.Context(), user, pos); err != nil {
		h.writeEngineError(w, "Failed to remove CDR", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance returns the user's outstanding balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}

	bal, err := h.Engine.OutstandingBalanceOf(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:  user.String(),
		Balance: bal,
		Rule:    h.Engine.BalanceRule().Name(),
	})
}

// =============================================================================
// HISTORY HANDLERS
// =============================================================================

// ListCycles returns a summary of every stored cycle of the user.
func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}

	summaries, err := h.Engine.Cycles(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, "Failed to list cycles", err)
		return
	}

	dtos := make([]CycleSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = CycleSummaryDTO{
			CycleDTO:  toCycleDTO(s.Cycle),
			Size:      s.Size,
			TotalCost: s.TotalCost,
			Current:   s.Current,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListCycleCDRs returns the records of any cycle.
func (h *Handler) ListCycleCDRs(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	cycle, ok := cycleParam(w, r)
	if !ok {
		return
	}
	st, filtered, ok := serviceTypeParam(w, r)
	if !ok {
		return
	}

	records, err := h.Engine.CDRsOfCycle(r.Context(), user, cycle)
	if err != nil {
		h.writeEngineError(w, "Failed to list CDRs", err)
		return
	}
	if filtered {
		records = billing.FilterService(records, st)
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// GetCycleCDR returns the record at a position of any cycle.
func (h *Handler) GetCycleCDR(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	cycle, ok := cycleParam(w, r)
	if !ok {
		return
	}
	pos, ok := indexParam(w, r)
	if !ok {
		return
	}
	st, filtered, ok := serviceTypeParam(w, r)
	if !ok {
		return
	}

	var (
		rec billing.Record
		err error
	)
	if filtered {
		rec, err = h.Engine.CDRAtService(r.Context(), user, cycle, pos, st)
	} else {
		rec, err = h.Engine.CDRAt(r.Context(), user, cycle, pos)
	}
	if err != nil {
		h.writeEngineError(w, "Failed to get CDR", err)
		return
	}
	writeJSON(w, http.StatusOK, RecordDTO{
		Position: &pos,
		Seq:      rec.Seq,
		Cycle:    &rec.Cycle,
		CDR:      factory.ToJSON(rec.CDR),
	})
}

// RemoveCycleCDR deletes the record at a position of any cycle.
func (h *Handler) RemoveCycleCDR(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	cycle, ok := cycleParam(w, r)
	if !ok {
		return
	}
	pos, ok := indexParam(w, r)
	if !ok {
		return
	}

	if err := h.Engine.RemoveCDRAt(r.Context(), user, cycle, pos); err != nil {
		h.writeEngineError(w, "Failed to remove CDR", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSnapshots returns the user's closed cycles.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}

	snaps, err := h.Engine.Snapshots(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, "Failed to list snapshots", err)
		return
	}

	dtos := make([]SnapshotDTO, len(snaps))
	for i, s := range snaps {
		dtos[i] = toSnapshotDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CloseCycles closes every elapsed cycle of every user, as the scheduler
// does on its tick.
func (h *Handler) CloseCycles(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.CloseAllCycles(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to close cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, CloseCyclesResponse{Closed: n})
}

// GetClock returns the engine's notion of now.
func (h *Handler) GetClock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ClockDTO{
		Now:    h.Engine.Clock().Now(),
		Manual: h.Manual != nil,
	})
}

// AdvanceClock moves the manual clock forward.
func (h *Handler) AdvanceClock(w http.ResponseWriter, r *http.Request) {
	if h.Manual == nil {
		writeError(w, http.StatusConflict, "Clock cannot be advanced", errManualClockRequired)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var req AdvanceClockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	now := h.Manual.Advance(req.Seconds)
	h.Logger.Info("clock advanced", zap.Uint64("seconds", req.Seconds), zap.Uint64("now", now))
	writeJSON(w, http.StatusOK, ClockDTO{Now: now, Manual: true})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors to a status.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, billing.ErrStoreRequired):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func userParam(w http.ResponseWriter, r *http.Request) (billing.UserID, bool) {
	user, err := billing.ParseUserID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return billing.UserID{}, false
	}
	return user, true
}

// indexParam accepts negative positions; the engine reports them out of
// range.
func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pos, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid index", err)
		return 0, false
	}
	return pos, true
}

func cycleParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	cycle, err := strconv.ParseUint(chi.URLParam(r, "cycle"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cycle", err)
		return 0, false
	}
	return cycle, true
}

// serviceTypeParam reads the optional service_type query parameter.
func serviceTypeParam(w http.ResponseWriter, r *http.Request) (billing.ServiceType, bool, bool) {
	raw := r.URL.Query().Get("service_type")
	if raw == "" {
		return 0, false, true
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid service_type", fmt.Errorf("%q: %w", raw, err))
		return 0, false, false
	}
	return billing.ServiceType(v), true, true
}
