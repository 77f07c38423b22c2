package api

import (
	"io"
	"net/http"
)

const maxWebhookBody = 256 << 10

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil || !s.billing.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "billing is not configured"})
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		return
	}

	duplicate, err := s.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		// Anything but a bad signature answers 5xx so Stripe redelivers.
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": duplicate})
}
