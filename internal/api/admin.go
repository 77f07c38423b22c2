package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/service"
)

const auditTail = 20

type ensureAccountRequest struct {
	ID            string `json:"id" validate:"required,max=64"`
	Email         string `json:"email" validate:"omitempty,email"`
	Credits       int    `json:"credits" validate:"min=0"`
	CreditsExtras int    `json:"credits_extras" validate:"min=0"`
}

func (s *Server) handleEnsureAccount(w http.ResponseWriter, r *http.Request) {
	var req ensureAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, created, err := s.ledger.EnsureAccount(r.Context(), models.Account{
		ID:                  req.ID,
		Email:               req.Email,
		CreditsSubscription: req.Credits,
		CreditsExtra:        req.CreditsExtras,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.log.Info("account created", "account_id", acct.ID, "credits", acct.Total())
	}
	writeJSON(w, status, acct)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acct, err := s.ledger.Account(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.ledger.History(r.Context(), id, auditTail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct, "audit": history})
}

type grantRequest struct {
	Amount int    `json:"amount" validate:"gt=0"`
	Reason string `json:"reason" validate:"max=255"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin grant"
	}
	acct, err := s.ledger.Grant(r.Context(), chi.URLParam(r, "id"), req.Amount, service.Memo{Reason: reason})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "reconciler is not running"})
		return
	}
	if err := s.worker.RunOnce(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
