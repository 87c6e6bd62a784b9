package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			status["database"] = "unreachable: " + err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}
	if s.ledger != nil {
		if err := s.ledger.Health(ctx); err != nil {
			status["ledger"] = "unreachable: " + err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["ledger"] = "ok"
		}
	}
	writeJSON(w, code, status)
}

func parseLimitOffset(r *http.Request) (limit, offset int) {
	limit = defaultListLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseStatusFilter(r *http.Request) *anchordom.AnchorStatus {
	v := r.URL.Query().Get("status")
	if v == "" {
		return nil
	}
	status := anchordom.AnchorStatus(v)
	return &status
}

// anchorsResponse is the paginated listing envelope.
type anchorsResponse struct {
	Anchors []anchordom.Anchor `json:"anchors"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

func (s *Server) handleListAnchors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := parseLimitOffset(r)
	status := parseStatusFilter(r)

	anchors, err := s.repo.ListAnchors(ctx, status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.repo.CountAnchors(ctx, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, anchorsResponse{Anchors: anchors, Total: total, Limit: limit, Offset: offset})
}

// anchorDetailResponse bundles an anchor with its first page of items.
type anchorDetailResponse struct {
	Anchor anchordom.Anchor       `json:"anchor"`
	Items  []anchordom.AnchorItem `json:"items"`
}

func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid anchor id")
		return
	}

	anchor, err := s.repo.GetAnchor(ctx, id)
	if err != nil {
		if isNotFoundCode(err) {
			writeError(w, http.StatusNotFound, "anchor not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items, err := s.repo.ListItems(ctx, id, defaultListLimit, 0, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, anchorDetailResponse{Anchor: anchor, Items: items})
}

// itemsResponse is the paginated item-listing envelope.
type itemsResponse struct {
	Items  []anchordom.AnchorItem `json:"items"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid anchor id")
		return
	}
	limit, offset := parseLimitOffset(r)

	var deviceFilter *string
	if v := r.URL.Query().Get("device"); v != "" {
		deviceFilter = &v
	}

	items, err := s.repo.ListItems(ctx, id, limit, offset, deviceFilter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, itemsResponse{Items: items, Limit: limit, Offset: offset})
}

type verifyRequest struct {
	EventHash string `json:"event_hash"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventHash == "" {
		writeError(w, http.StatusBadRequest, "event_hash is required")
		return
	}

	result, err := s.workflow.VerifyInclusion(r.Context(), req.EventHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type manualRunRequest struct {
	Start               *time.Time `json:"start"`
	End                 *time.Time `json:"end"`
	WaitForConfirmation bool       `json:"wait_for_confirmation"`
}

// handleManualRun is the operational escape hatch letting an operator
// force an anchor run outside the daily cron schedule.
func (s *Server) handleManualRun(w http.ResponseWriter, r *http.Request) {
	var req manualRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := s.workflow.Run(r.Context(), req.Start, req.End, req.WaitForConfirmation)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func isNotFoundCode(err error) bool {
	code, ok := anchordom.CodeOf(err)
	return ok && code == anchordom.TaxonomyNotFound
}
