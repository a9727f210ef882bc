package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/marketplace"
	"github.com/sells-group/kpledger/internal/model"
)

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func (h *handler) createListing(w http.ResponseWriter, r *http.Request) {
	var req marketplace.NewListing
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := principal(r)
	if req.ContributorID == "" || !p.Has(ScopeAdmin) {
		req.ContributorID = p.AgentID
	}
	l, err := h.Marketplace.CreateListing(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": l})
}

func (h *handler) searchListings(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := window(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := h.Marketplace.Search(r.Context(), marketplace.Query{
		Domain:      q.Get("domain"),
		AccessModel: model.AccessModel(q.Get("access_model")),
		Text:        q.Get("q"),
		Offset:      offset,
		Limit:       limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) getListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.Marketplace.GetListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": l})
}

func (h *handler) myListings(w http.ResponseWriter, r *http.Request) {
	ls, err := h.Marketplace.ByContributor(r.Context(), principal(r).AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": ls})
}

func (h *handler) purchase(w http.ResponseWriter, r *http.Request) {
	out, err := h.Marketplace.Purchase(r.Context(), chi.URLParam(r, "id"), principal(r).AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	st, err := h.Credits.Statement(r.Context(), p.AgentID, p.Tier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) earnings(w http.ResponseWriter, r *http.Request) {
	e, err := h.Credits.Earnings(r.Context(), principal(r).AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) grantCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Amount  int64  `json:"amount"`
		Reason  string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AgentID == "" || req.Amount <= 0 {
		writeError(w, r, apperr.Validation("", "agent_id and a positive amount are required"))
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, apperr.Validation("reason", "is required"))
		return
	}
	bal, err := h.Credits.AddCredits(r.Context(), req.AgentID, req.Amount, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":    req.AgentID,
		"amount":      req.Amount,
		"reason":      req.Reason,
		"new_balance": bal,
	})
}

func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain          string `json:"domain"`
		CreditsPerMonth int64  `json:"credits_per_month"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := h.Subscriptions.Subscribe(r.Context(), principal(r).AgentID, req.Domain, req.CreditsPerMonth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": sub})
}

func (h *handler) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := principal(r)

	sub, err := h.Subscriptions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sub.AgentID != p.AgentID && !p.Has(ScopeAdmin) {
		writeError(w, r, apperr.Forbidden("subscription belongs to another agent"))
		return
	}
	ok, err := h.Subscriptions.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, apperr.NotFound("subscription", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (h *handler) subscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Subscriptions.ListActive(r.Context(), principal(r).AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": subs})
}
