// Package api exposes the exchange's money-moving endpoints: invoking
// protocols, reporting unusable outputs, and balance management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/deltayeb/iofteoi/internal/auth"
	"github.com/deltayeb/iofteoi/internal/dispute"
	"github.com/deltayeb/iofteoi/internal/settlement"
	"github.com/deltayeb/iofteoi/internal/store"
	"github.com/deltayeb/iofteoi/pkg/httpx"
)

const (
	minDepositCents    = 500
	minWithdrawalCents = 1000
)

type Settler interface {
	Settle(ctx context.Context, callerID, protocolID string, input any, debugSharing bool) (*settlement.Result, error)
}

type Reporter interface {
	Report(ctx context.Context, callerID, invocationID string, reason *string) (*dispute.Outcome, error)
}

type BalanceStore interface {
	GetAccount(ctx context.Context, id string) (store.Account, error)
	Deposit(ctx context.Context, accountID string, amountCents int64) error
	WithdrawPublisher(ctx context.Context, accountID string, amountCents int64) error
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]store.BalanceTransaction, error)
}

type Handler struct {
	settler  Settler
	reporter Reporter
	balances BalanceStore
	log      *slog.Logger
}

func NewHandler(settler Settler, reporter Reporter, balances BalanceStore, log *slog.Logger) *Handler {
	return &Handler{settler: settler, reporter: reporter, balances: balances, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/invoke/{protocolID}", h.invoke)
	r.Post("/invocations/{invocationID}/report", h.report)
	r.Get("/balance", h.balance)
	r.Get("/balance/transactions", h.transactions)
	r.Post("/balance/deposit", h.deposit)
	r.Post("/balance/withdraw", h.withdraw)
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	callerID, _ := auth.AccountID(r.Context())
	protocolID := chi.URLParam(r, "protocolID")
	var req struct {
		Input        json.RawMessage `json:"input"`
		DebugSharing bool            `json:"debugSharing"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteReadError(w, err)
		return
	}
	var input any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "input must be valid JSON", nil)
			return
		}
	}

	res, err := h.settler.Settle(r.Context(), callerID, protocolID, input, req.DebugSharing)
	if err != nil {
		var inactive *settlement.ProtocolInactiveError
		var insufficient *settlement.InsufficientBalanceError
		switch {
		case errors.Is(err, settlement.ErrProtocolNotFound):
			httpx.WriteError(w, http.StatusNotFound, "protocol not found", nil)
		case errors.As(err, &inactive):
			httpx.WriteError(w, http.StatusBadRequest, inactive.Error(), nil)
		case errors.Is(err, settlement.ErrAccountNotFound):
			httpx.WriteError(w, http.StatusNotFound, "account not found", nil)
		case errors.As(err, &insufficient):
			httpx.WriteError(w, http.StatusPaymentRequired, "insufficient balance", map[string]any{
				"requiredCents":  insufficient.Required,
				"availableCents": insufficient.Available,
			})
		default:
			h.log.Error("settlement error", "protocol", protocolID, "caller", callerID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "settlement failed", nil)
		}
		return
	}

	switch res.Status {
	case store.StatusSuccess:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"invocationId": res.InvocationID,
			"status":       res.Status,
			"output":       res.Output,
		})
	case store.StatusRefused:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"invocationId": res.InvocationID,
			"status":       res.Status,
			"refusal": map[string]any{
				"code":    res.RefusalCode,
				"message": res.RefusalMessage,
			},
			"refunded": true,
		})
	default: // FAILURE
		httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"invocationId": res.InvocationID,
			"status":       res.Status,
			"errorClass":   res.ErrorClass,
			"refunded":     true,
		})
	}
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	callerID, _ := auth.AccountID(r.Context())
	invocationID := chi.URLParam(r, "invocationID")
	var req struct {
		Reason *string `json:"reason"`
	}
	_ = httpx.ReadJSON(r, &req)
	if req.Reason != nil && strings.TrimSpace(*req.Reason) == "" {
		req.Reason = nil
	}

	out, err := h.reporter.Report(r.Context(), callerID, invocationID, req.Reason)
	if err != nil {
		var invalid *dispute.InvalidStateError
		switch {
		case errors.Is(err, dispute.ErrInvocationNotFound):
			httpx.WriteError(w, http.StatusNotFound, "invocation not found", nil)
		case errors.Is(err, dispute.ErrNotReporter):
			httpx.WriteError(w, http.StatusForbidden, "only the caller of an invocation may report it", nil)
		case errors.As(err, &invalid):
			httpx.WriteError(w, http.StatusBadRequest, invalid.Error(), nil)
		case errors.Is(err, dispute.ErrAlreadyReported):
			httpx.WriteError(w, http.StatusConflict, "invocation already reported", nil)
		default:
			h.log.Error("report error", "invocation", invocationID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "report failed", nil)
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	acct, err := h.balances.GetAccount(r.Context(), accountID)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "account not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"balanceCents":            acct.BalanceCents,
		"balanceDollars":          dollars(acct.BalanceCents),
		"publisherBalanceCents":   acct.PublisherBalanceCents,
		"publisherBalanceDollars": dollars(acct.PublisherBalanceCents),
		"trustScore":              acct.TrustScore,
	})
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	limit, offset := pageParams(r, 50, 200)
	txns, err := h.balances.ListTransactions(r.Context(), accountID, limit, offset)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "could not list transactions", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"transactions": txns,
		"count":        len(txns),
	})
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	var req struct {
		AmountCents int64 `json:"amountCents"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteReadError(w, err)
		return
	}
	if req.AmountCents < minDepositCents {
		httpx.WriteError(w, http.StatusBadRequest, "minimum deposit is 500 cents", nil)
		return
	}
	if err := h.balances.Deposit(r.Context(), accountID, req.AmountCents); err != nil {
		h.log.Error("deposit failed", "account", accountID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "deposit failed", nil)
		return
	}
	h.log.Info("deposit", "account", accountID, "amount", req.AmountCents)
	acct, err := h.balances.GetAccount(r.Context(), accountID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "deposit failed", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"deposited":    req.AmountCents,
		"balanceCents": acct.BalanceCents,
	})
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	var req struct {
		AmountCents int64 `json:"amountCents"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteReadError(w, err)
		return
	}
	if req.AmountCents < minWithdrawalCents {
		httpx.WriteError(w, http.StatusBadRequest, "minimum withdrawal is 1000 cents", nil)
		return
	}
	if err := h.balances.WithdrawPublisher(r.Context(), accountID, req.AmountCents); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			httpx.WriteError(w, http.StatusPaymentRequired, "insufficient publisher balance", nil)
			return
		}
		h.log.Error("withdrawal failed", "account", accountID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "withdrawal failed", nil)
		return
	}
	h.log.Info("withdrawal", "account", accountID, "amount", req.AmountCents)
	acct, err := h.balances.GetAccount(r.Context(), accountID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "withdrawal failed", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"withdrawn":             req.AmountCents,
		"publisherBalanceCents": acct.PublisherBalanceCents,
	})
}

func dollars(cents int64) float64 {
	return float64(cents) / 100
}

func pageParams(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}
