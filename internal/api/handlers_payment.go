package api

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/canvas-market/internal/service"
	"github.com/gorilla/mux"
	qrcode "github.com/skip2/go-qrcode"
)

// handleInitializePayment opens a payment session for a reserved placement.
func (s *Server) handleInitializePayment(w http.ResponseWriter, r *http.Request) {
	var input service.InitializePaymentInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error(), nil)
		return
	}

	session, err := s.paymentService.Initialize(r.Context(), &input)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

// handleGetPayment returns a payment session by ID.
func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	session, err := s.paymentService.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// submissionRequest carries the signature a wallet reports after sending
type submissionRequest struct {
	Signature string `json:"signature"`
}

// handleRecordSubmission attaches a broadcast transaction signature to a session.
func (s *Server) handleRecordSubmission(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Signature == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "signature is required", nil)
		return
	}

	session, err := s.paymentService.RecordSubmission(r.Context(), mux.Vars(r)["id"], req.Signature)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// finalizeRequest is what clients send after their wallet resolves. The
// claimed outcome is advisory only; settlement always re-verifies on chain.
type finalizeRequest struct {
	ClientOutcome string `json:"clientOutcome,omitempty"`
}

// handleFinalizePayment verifies the submitted transaction and settles the session.
func (s *Server) handleFinalizePayment(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > 0 {
		var req finalizeRequest
		if err := parseJSONBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error(), nil)
			return
		}
	}

	session, err := s.paymentService.Finalize(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// handleRetryPayment resets a session after a failed attempt so the
// wallet can submit a fresh transaction.
func (s *Server) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	session, err := s.paymentService.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// handlePaymentQR renders a Solana Pay QR code for a session so mobile
// wallets can scan instead of typing amounts.
func (s *Server) handlePaymentQR(w http.ResponseWriter, r *http.Request) {
	session, err := s.paymentService.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	info, err := s.registry.Lookup(session.Token)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	params := url.Values{}
	params.Set("amount", session.Amount)
	params.Set("label", "Canvas Market")
	params.Set("message", fmt.Sprintf("Placement #%d", session.PlacementID))
	if !info.Native {
		params.Set("spl-token", info.Mint.String())
	}
	payURL := fmt.Sprintf("solana:%s?%s", session.Recipient, params.Encode())

	png, err := qrcode.Encode(payURL, qrcode.Medium, 256)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to render QR code", nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
