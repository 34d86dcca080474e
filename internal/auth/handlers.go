package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/deltayeb/iofteoi/internal/store"
	"github.com/deltayeb/iofteoi/pkg/httpx"
)

const minPasswordLength = 8

type Store interface {
	CreateAccount(ctx context.Context, email, passwordHash string) (store.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	CreateAgentToken(ctx context.Context, accountID, tokenHash string, name *string) (store.AgentToken, error)
	ListAgentTokens(ctx context.Context, accountID string) ([]store.AgentToken, error)
	RevokeAgentToken(ctx context.Context, accountID, tokenID string) error
}

type Handler struct {
	store  Store
	signer *Signer
	log    *slog.Logger
}

func NewHandler(st Store, signer *Signer, log *slog.Logger) *Handler {
	return &Handler{store: st, signer: signer, log: log}
}

// Routes mounts the unauthenticated endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.register)
	r.Post("/auth/login", h.login)
}

// TokenRoutes mounts the agent-token endpoints; callers must already be
// authenticated.
func (h *Handler) TokenRoutes(r chi.Router) {
	r.Post("/auth/tokens", h.createToken)
	r.Get("/auth/tokens", h.listTokens)
	r.Delete("/auth/tokens/{tokenID}", h.revokeToken)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteReadError(w, err)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(req.Email, "@") {
		httpx.WriteError(w, http.StatusBadRequest, "valid email required", nil)
		return
	}
	if len(req.Password) < minPasswordLength {
		httpx.WriteError(w, http.StatusBadRequest, "password must be at least 8 characters", nil)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "could not hash password", nil)
		return
	}
	acct, err := h.store.CreateAccount(r.Context(), req.Email, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			httpx.WriteError(w, http.StatusConflict, "email already registered", nil)
			return
		}
		h.log.Error("register failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "could not create account", nil)
		return
	}
	token, err := h.signer.Sign(acct.ID, time.Now().UTC())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "could not issue session", nil)
		return
	}
	h.log.Info("account registered", "account", acct.ID)
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"account": acct,
		"token":   token,
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteReadError(w, err)
		return
	}
	acct, err := h.store.GetAccountByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)) != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}
	token, err := h.signer.Sign(acct.ID, time.Now().UTC())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "could not issue session", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"account": acct,
		"token":   token,
	})
}

func (h *Handler) createToken(w http.ResponseWriter, r *http.Request) {
	accountID, _ := AccountID(r.Context())
	var req struct {
		Name *string `json:"name"`
	}
	_ = httpx.ReadJSON(r, &req)

	plaintext := NewAgentToken()
	tok, err := h.store.CreateAgentToken(r.Context(), accountID, HashToken(plaintext), req.Name)
	if err != nil {
		h.log.Error("agent token creation failed", "account", accountID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "could not create token", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"agentToken": tok,
		"token":      plaintext,
		"tokenHint":  "store once; not retrievable again",
	})
}

func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	accountID, _ := AccountID(r.Context())
	toks, err := h.store.ListAgentTokens(r.Context(), accountID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "could not list tokens", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"agentTokens": toks})
}

func (h *Handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	accountID, _ := AccountID(r.Context())
	tokenID := chi.URLParam(r, "tokenID")
	if err := h.store.RevokeAgentToken(r.Context(), accountID, tokenID); err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "token not found", nil)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "could not revoke token", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
