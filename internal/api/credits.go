package api

import (
	"net/http"

	"github.com/digkill/GenStudio/internal/service"
)

type creditsRequest struct {
	Amount int    `json:"amount" validate:"gt=0"`
	Reason string `json:"reason" validate:"max=255"`
}

type deductResponse struct {
	PreviousBalance  int `json:"previousBalance"`
	Deducted         int `json:"deducted"`
	NewBalance       int `json:"newBalance"`
	FromSubscription int `json:"fromSubscription"`
	FromExtras       int `json:"fromExtras"`
	Credits          int `json:"credits"`
	CreditsExtras    int `json:"credits_extras"`
}

func (s *Server) handleDeduct(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	var req creditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "api deduct"
	}
	res, err := s.ledger.Debit(r.Context(), accountID, req.Amount, service.Memo{Reason: reason})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deductResponse{
		PreviousBalance:  res.PreviousBalance,
		Deducted:         req.Amount,
		NewBalance:       res.NewBalance,
		FromSubscription: res.FromSubscription,
		FromExtras:       res.FromExtras,
		Credits:          res.Balance.Credits,
		CreditsExtras:    res.Balance.CreditsExtras,
	})
}

// handleRefund returns credits to the subscription pool.
func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	var req creditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "api refund"
	}
	if _, err := s.ledger.Refund(r.Context(), accountID, req.Amount, req.Amount, 0, service.Memo{Reason: reason}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunded": req.Amount, "reason": reason})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, _ := accountFrom(r.Context())
	acct, err := s.ledger.Account(r.Context(), accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credits":             acct.CreditsSubscription,
		"credits_extras":      acct.CreditsExtra,
		"total":               acct.Total(),
		"subscription_status": acct.SubscriptionStatus,
	})
}
