package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"icreserve/crypto"
	"icreserve/native/emergency"
	"icreserve/native/fixed"
	"icreserve/services/icd/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "storage": err.Error()})
		return
	}
	if err := s.controller.Halted(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := s.controller.MintBacked(r.Context(), req.Account, amount); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.writeAccount(w, r, req.Account)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := s.controller.Burn(r.Context(), req.Account, amount); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.writeAccount(w, r, req.Account)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := s.controller.Transfer(r.Context(), req.From, req.To, amount); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.writeAccount(w, r, req.From)
}

// handlePreMint acts as the token subject; the core rejects any subject other
// than the configured controller identity.
func (s *Server) handlePreMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetA string `json:"assetA"`
		AssetB string `json:"assetB"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	qtyA, err := parseOptionalAmount(req.AssetA)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	qtyB, err := parseOptionalAmount(req.AssetB)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	if err := s.controller.PreMintReserves(r.Context(), principal.Subject, qtyA, qtyB); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.handleAvailableReserves(w, r)
}

func parseOptionalAmount(raw string) (fixed.Amount, error) {
	if strings.TrimSpace(raw) == "" {
		return fixed.Zero(), nil
	}
	return fixed.Parse(raw)
}

func (s *Server) handleReserveInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.GetReserveInfo())
}

func (s *Server) handleAvailableReserves(w http.ResponseWriter, r *http.Request) {
	available, err := s.controller.GetAvailableReserves()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, available)
}

func (s *Server) handleCurrentValue(w http.ResponseWriter, r *http.Request) {
	value, err := s.controller.GetCurrentValue()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]fixed.Amount{"value": value})
}

type quoteView struct {
	Amount fixed.Amount `json:"amount"`
	ValueA fixed.Amount `json:"valueA"`
	ValueB fixed.Amount `json:"valueB"`
	QtyA   fixed.Amount `json:"qtyA"`
	QtyB   fixed.Amount `json:"qtyB"`
	PriceA string       `json:"priceA"`
	PriceB string       `json:"priceB"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := fixed.Parse(r.URL.Query().Get("amount"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	q, err := s.controller.Quote(amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteView{
		Amount: q.Amount,
		ValueA: q.ValueA,
		ValueB: q.ValueB,
		QtyA:   q.QtyA,
		QtyB:   q.QtyB,
		PriceA: q.PriceA.Price.String(),
		PriceB: q.PriceB.Price.String(),
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.GetSupply())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.writeAccount(w, r, chi.URLParam(r, "account"))
}

func (s *Server) writeAccount(w http.ResponseWriter, r *http.Request, account string) {
	view, err := s.controller.GetAccount(account)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type actionView struct {
	Kind       string       `json:"kind"`
	Nonce      uint64       `json:"nonce"`
	Status     string       `json:"status"`
	Signers    []string     `json:"signers"`
	Required   int          `json:"required"`
	ProposedAt time.Time    `json:"proposedAt"`
	Target     string       `json:"target,omitempty"`
	Amount     string       `json:"amount,omitempty"`
	Superseded []actionView `json:"superseded,omitempty"`
}

func toActionView(st emergency.ActionState) actionView {
	view := actionView{
		Kind:       st.Kind.String(),
		Nonce:      st.Nonce,
		Status:     st.Status.String(),
		Signers:    append([]string{}, st.Signers...),
		Required:   st.Required,
		ProposedAt: st.ProposedAt,
	}
	if burn, ok := st.Action.(emergency.ForcedBurn); ok {
		view.Target = burn.Target
		view.Amount = burn.Amount.String()
	}
	for _, dropped := range st.Superseded {
		view.Superseded = append(view.Superseded, toActionView(dropped))
	}
	return view
}

type emergencySignRequest struct {
	Kind      string `json:"kind"`
	Nonce     uint64 `json:"nonce"`
	Target    string `json:"target,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Signer    string `json:"signer,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// handleEmergencySign accepts either a secp256k1 signature over the action
// digest, or a bare signer id that must match the token subject.
func (s *Server) handleEmergencySign(w http.ResponseWriter, r *http.Request) {
	var req emergencySignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	kind, err := emergency.ParseKind(req.Kind)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	amount := fixed.Zero()
	if kind == emergency.KindForcedBurn {
		if amount, err = fixed.Parse(req.Amount); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	action, err := emergency.NewAction(kind, req.Target, amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var state emergency.ActionState
	if sigHex := strings.TrimPrefix(strings.TrimSpace(req.Signature), "0x"); sigHex != "" {
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", fmt.Errorf("signature: %w", err))
			return
		}
		state, err = s.controller.SignEmergencyActionWithSignature(r.Context(), action, req.Nonce, sig)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
	} else {
		principal, _ := PrincipalFromContext(r.Context())
		if !sameIdentity(principal.Subject, req.Signer) {
			writeError(w, r, http.StatusForbidden, "unauthorized", errors.New("signer must match token subject"))
			return
		}
		state, err = s.controller.SignEmergencyAction(r.Context(), action, req.Nonce, strings.TrimSpace(req.Signer))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toActionView(state))
}

func sameIdentity(subject, signer string) bool {
	subject, signer = strings.TrimSpace(subject), strings.TrimSpace(signer)
	if subject == "" || signer == "" {
		return false
	}
	if a, err := crypto.CanonicalAccount(subject); err == nil {
		if b, err := crypto.CanonicalAccount(signer); err == nil {
			return a == b
		}
	}
	return subject == signer
}

func (s *Server) handleEmergencyExpire(w http.ResponseWriter, r *http.Request) {
	expired, err := s.controller.ExpireEmergencyActions(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]actionView, 0, len(expired))
	for _, st := range expired {
		out = append(out, toActionView(st))
	}
	writeJSON(w, http.StatusOK, map[string][]actionView{"expired": out})
}

type emergencyStateView struct {
	Paused        bool              `json:"paused"`
	MintingFrozen bool              `json:"mintingFrozen"`
	Required      int               `json:"required"`
	Signers       []string          `json:"signers"`
	Pending       []actionView      `json:"pending"`
	Consumed      map[string]string `json:"consumed"`
}

func (s *Server) handleEmergencyState(w http.ResponseWriter, r *http.Request) {
	st := s.controller.GetEmergencyState()
	view := emergencyStateView{
		Paused:        st.Paused,
		MintingFrozen: st.MintingFrozen,
		Required:      st.Required,
		Signers:       st.Signers,
		Pending:       make([]actionView, 0, len(st.Pending)),
		Consumed:      make(map[string]string, len(st.Consumed)),
	}
	for _, pending := range st.Pending {
		view.Pending = append(view.Pending, toActionView(pending))
	}
	for nonce, status := range st.Consumed {
		view.Consumed[strconv.FormatUint(nonce, 10)] = status.String()
	}
	writeJSON(w, http.StatusOK, view)
}

type kycRequest struct {
	Account string `json:"account"`
}

func (s *Server) handleKYCApprove(w http.ResponseWriter, r *http.Request) {
	s.updateKYC(w, r, s.allowlist.Approve)
}

func (s *Server) handleKYCRevoke(w http.ResponseWriter, r *http.Request) {
	s.updateKYC(w, r, s.allowlist.Revoke)
}

func (s *Server) updateKYC(w http.ResponseWriter, r *http.Request, apply func(string) error) {
	var req kycRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := apply(req.Account); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":  strings.ToLower(strings.TrimSpace(req.Account)),
		"approved": s.allowlist.IsApproved(req.Account),
	})
}

func (s *Server) handleOracleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.storage.LatestSnapshot(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":      snap.Asset,
		"median":     snap.Median,
		"feeders":    snap.Feeders,
		"proofId":    snap.ProofID,
		"observedAt": snap.ObservedAt,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", fmt.Errorf("limit must be within 1..1000"))
			return
		}
		limit = parsed
	}
	evts, err := s.storage.RecentEvents(r.Context(), strings.TrimSpace(r.URL.Query().Get("type")), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evts})
}
