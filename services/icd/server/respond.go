package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"icreserve/native/common"
	"icreserve/native/fixed"
)

var errTooManyRequests = errors.New("too many requests")

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code, RequestID: requestID(r.Context())})
}

// writeDomainError maps core sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	writeError(w, r, status, code, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrInvariantViolation):
		return http.StatusInternalServerError, "invariant_violation"
	case errors.Is(err, common.ErrReentrantCall):
		return http.StatusInternalServerError, "reentrant_call"
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, common.ErrKycNotApproved):
		return http.StatusForbidden, "kyc_not_approved"
	case errors.Is(err, common.ErrSystemPaused):
		return http.StatusLocked, "system_paused"
	case errors.Is(err, common.ErrMintingFrozen):
		return http.StatusLocked, "minting_frozen"
	case errors.Is(err, common.ErrOracleStale):
		return http.StatusServiceUnavailable, "oracle_stale"
	case errors.Is(err, common.ErrOracleZeroPrice):
		return http.StatusServiceUnavailable, "oracle_zero_price"
	case errors.Is(err, common.ErrInsufficientReserve):
		return http.StatusUnprocessableEntity, "insufficient_reserve"
	case errors.Is(err, common.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, common.ErrInvalidNonce):
		return http.StatusConflict, "invalid_nonce"
	case errors.Is(err, common.ErrDuplicateSigner):
		return http.StatusConflict, "duplicate_signer"
	case errors.Is(err, common.ErrConflictingAction):
		return http.StatusConflict, "conflicting_action"
	case errors.Is(err, common.ErrAmountOverflow):
		return http.StatusBadRequest, "amount_overflow"
	case errors.Is(err, common.ErrInvalidAmount), errors.Is(err, fixed.ErrInvalidDecimal):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
