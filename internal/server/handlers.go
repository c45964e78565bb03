package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"billbridge/internal/amount"
	"billbridge/internal/billing"
	"billbridge/internal/credentials"
	"billbridge/internal/payments"
	"billbridge/internal/transfer"
)

type createBillRequest struct {
	BillID       string `json:"billId" validate:"required,max=128"`
	TokenRef     string `json:"tokenRef" validate:"max=64"`
	PayerAddress string `json:"payerAddress" validate:"required,eth_addr"`
	PayeeAddress string `json:"payeeAddress" validate:"required,eth_addr"`
	// Amount is in display units, e.g. "25.50".
	Amount string `json:"amount" validate:"required,numeric"`
	// CredentialRef, when set, pays the bill immediately with a credential the
	// service holds. Without it the bill waits for the payer.
	CredentialRef string `json:"credentialRef,omitempty" validate:"max=128"`
}

type executeRequest struct {
	CredentialRef        string `json:"credentialRef" validate:"required,max=128"`
	MaxFeeSubunits       string `json:"maxFeeSubunits,omitempty" validate:"omitempty,number"`
	MinFinalityThreshold uint32 `json:"minFinalityThreshold,omitempty"`
}

type acceptedResponse struct {
	BillID string `json:"billId"`
	Status string `json:"status"`
}

func (s *Server) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.incBill("invalid")
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.metrics.incBill("invalid")
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	amt, err := amount.ParseDecimal(req.Amount)
	if err != nil {
		s.metrics.incBill("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = s.payments.RecordPendingInstruction(r.Context(), billing.Bill{
		ID:           req.BillID,
		TokenRef:     req.TokenRef,
		PayerAddress: req.PayerAddress,
		PayeeAddress: req.PayeeAddress,
		Amount:       amt,
	})
	if err != nil {
		s.metrics.incBill("rejected")
		s.writeServiceError(w, err)
		return
	}
	s.metrics.incBill("recorded")

	if req.CredentialRef != "" {
		s.startExecute(req.BillID, credentials.Ref(req.CredentialRef), payments.ExecuteOptions{})
	}

	rec, err := s.payments.Ledger().Bill(r.Context(), req.BillID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	rec, err := s.payments.Ledger().Bill(r.Context(), chi.URLParam(r, "billId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleExecute starts a transfer for the bill. With ?wait=true the request
// blocks until the run finishes and returns its result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	billID := chi.URLParam(r, "billId")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	var opts payments.ExecuteOptions
	if req.MaxFeeSubunits != "" {
		fee, err := amount.ParseSubunits(req.MaxFeeSubunits)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.MaxFee = &fee
	}
	opts.MinFinalityThreshold = req.MinFinalityThreshold

	inst, err := s.payments.Ledger().Get(r.Context(), billID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if inst.Status == billing.StatusCompleted && inst.TransferResult != nil {
		writeJSON(w, http.StatusOK, inst.TransferResult)
		return
	}

	cred := credentials.Ref(req.CredentialRef)
	if wantWait(r) {
		res, err := s.payments.ExecuteTransfer(r.Context(), billID, cred, opts)
		s.writeRunResult(w, res, err)
		return
	}

	s.startExecute(billID, cred, opts)
	writeJSON(w, http.StatusAccepted, acceptedResponse{BillID: billID, Status: "accepted"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	billID := chi.URLParam(r, "billId")

	inst, err := s.payments.Ledger().Get(r.Context(), billID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if inst.Status == billing.StatusCompleted && inst.TransferResult != nil {
		writeJSON(w, http.StatusOK, inst.TransferResult)
		return
	}
	if inst.TransferResult == nil || !inst.TransferResult.Burned() {
		s.writeServiceError(w, payments.ErrNotResumable)
		return
	}

	if wantWait(r) {
		res, err := s.payments.Resume(r.Context(), billID)
		s.writeRunResult(w, res, err)
		return
	}

	s.startRun(billID, func(ctx context.Context) {
		if _, err := s.payments.Resume(ctx, billID); err != nil {
			s.logger.Warn().Err(err).Str("bill_id", billID).Msg("background resume")
		}
	})
	writeJSON(w, http.StatusAccepted, acceptedResponse{BillID: billID, Status: "accepted"})
}

func (s *Server) startExecute(billID string, cred credentials.Ref, opts payments.ExecuteOptions) {
	s.startRun(billID, func(ctx context.Context) {
		if _, err := s.payments.ExecuteTransfer(ctx, billID, cred, opts); err != nil {
			s.logger.Warn().Err(err).Str("bill_id", billID).Msg("background transfer")
		}
	})
}

func (s *Server) writeRunResult(w http.ResponseWriter, res transfer.Result, err error) {
	if err != nil && res.RunID == "" {
		s.writeServiceError(w, err)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", res.RunID).Msg("transfer finished but was not persisted")
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, billing.ErrUnknownBillID):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrDuplicateBillID),
		errors.Is(err, billing.ErrBillBusy),
		errors.Is(err, payments.ErrNotResumable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, billing.ErrInvalidBill), errors.Is(err, amount.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func wantWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
	return err.Error()
}
