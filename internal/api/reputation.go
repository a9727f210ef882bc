package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/kpledger/internal/model"
)

func (h *handler) reputation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Reputation.Lookup(r.Context(), chi.URLParam(r, "agent_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := window(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := h.Reputation.Leaderboard(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) badges(w http.ResponseWriter, r *http.Request) {
	badges, err := h.Reputation.Badges(r.Context(), chi.URLParam(r, "agent_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": badges})
}

// submitVote records a validation vote cast by the caller.
func (h *handler) submitVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
		UnitID   string `json:"unit_id"`
		Valid    bool   `json:"valid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	recorded, err := h.Reputation.SubmitVote(r.Context(), model.Vote{
		ValidatorID: principal(r).AgentID,
		TargetID:    req.TargetID,
		UnitID:      req.UnitID,
		Valid:       req.Valid,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": recorded})
}
