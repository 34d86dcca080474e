// Package catalog serves the protocol registry: publishing, discovery,
// deprecation and publisher-facing stats.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deltayeb/iofteoi/internal/auth"
	"github.com/deltayeb/iofteoi/internal/store"
	"github.com/deltayeb/iofteoi/pkg/httpx"
)

const (
	maxNameLength        = 100
	maxVersionLength     = 20
	descriptionWordCount = 7
	maxKeywords          = 10
	deprecationSunset    = 30 * 24 * time.Hour
	leaderboardMinVolume = 50
)

type Store interface {
	CreateProtocol(ctx context.Context, p store.Protocol) (store.Protocol, error)
	GetProtocol(ctx context.Context, id string) (store.Protocol, error)
	SearchProtocols(ctx context.Context, q string, limit, offset int) ([]store.Protocol, error)
	DeprecateProtocol(ctx context.Context, id, reason string, now time.Time) (time.Time, error)
	Leaderboard(ctx context.Context, minInvocations int64, limit, offset int) ([]store.Protocol, error)
}

type Handler struct {
	store Store
	log   *slog.Logger
}

func NewHandler(st Store, log *slog.Logger) *Handler {
	return &Handler{store: st, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/protocols", h.publish)
	r.Get("/protocols", h.search)
	r.Get("/protocols/{protocolID}", h.get)
	r.Patch("/protocols/{protocolID}", h.deprecate)
	r.Get("/protocols/{protocolID}/stats", h.stats)
	r.Get("/leaderboard", h.leaderboard)
}

type publishRequest struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Description     string   `json:"description"`
	LongDescription *string  `json:"longDescription"`
	Keywords        []string `json:"keywords"`
	HandlerURL      string   `json:"handlerUrl"`
	PriceCents      int64    `json:"pricePerInvocationCents"`
}

func (req *publishRequest) validate() string {
	req.Name = strings.TrimSpace(req.Name)
	req.Version = strings.TrimSpace(req.Version)
	req.Description = strings.TrimSpace(req.Description)
	switch {
	case req.Name == "" || len(req.Name) > maxNameLength:
		return "name is required and must be at most 100 characters"
	case req.Version == "" || len(req.Version) > maxVersionLength:
		return "version is required and must be at most 20 characters"
	case len(strings.Fields(req.Description)) != descriptionWordCount:
		return "description must be exactly 7 words"
	case len(req.Keywords) > maxKeywords:
		return "at most 10 keywords allowed"
	case req.PriceCents < 1:
		return "pricePerInvocationCents must be at least 1"
	}
	u, err := url.Parse(req.HandlerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "handlerUrl must be a valid http(s) URL"
	}
	return ""
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	publisherID, _ := auth.AccountID(r.Context())
	var req publishRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteReadError(w, err)
		return
	}
	if msg := req.validate(); msg != "" {
		httpx.WriteError(w, http.StatusBadRequest, msg, nil)
		return
	}
	p, err := h.store.CreateProtocol(r.Context(), store.Protocol{
		PublisherID:      publisherID,
		Name:             req.Name,
		Version:          req.Version,
		Description:      req.Description,
		LongDescription:  req.LongDescription,
		DeclaredKeywords: req.Keywords,
		HandlerURL:       req.HandlerURL,
		PriceCents:       req.PriceCents,
		Status:           store.ProtocolActive,
	})
	if err != nil {
		if errors.Is(err, store.ErrProtocolExists) {
			httpx.WriteError(w, http.StatusConflict, "protocol with this name and version already published", nil)
			return
		}
		h.log.Error("publish failed", "publisher", publisherID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "could not publish protocol", nil)
		return
	}
	h.log.Info("protocol published", "protocol", p.ID, "publisher", publisherID, "price", p.PriceCents)
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"protocol": p})
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit, offset := pageParams(r, 20, 100)
	protocols, err := h.store.SearchProtocols(r.Context(), q, limit, offset)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "search failed", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"protocols": protocols,
		"count":     len(protocols),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProtocol(r.Context(), chi.URLParam(r, "protocolID"))
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "protocol not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"protocol":    p,
		"successRate": successRate(p),
	})
}

func (h *Handler) deprecate(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	protocolID := chi.URLParam(r, "protocolID")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = httpx.ReadJSON(r, &req)

	p, err := h.store.GetProtocol(r.Context(), protocolID)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "protocol not found", nil)
		return
	}
	if p.PublisherID != accountID {
		httpx.WriteError(w, http.StatusForbidden, "only the publisher may deprecate a protocol", nil)
		return
	}
	if p.Status != store.ProtocolActive {
		httpx.WriteError(w, http.StatusBadRequest, "protocol is not active", nil)
		return
	}
	sunset, err := h.store.DeprecateProtocol(r.Context(), protocolID, req.Reason, time.Now().UTC())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "could not deprecate protocol", nil)
		return
	}
	h.log.Info("protocol deprecated", "protocol", protocolID, "sunset", sunset)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"deprecated": true,
		"sunsetDate": sunset,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	p, err := h.store.GetProtocol(r.Context(), chi.URLParam(r, "protocolID"))
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "protocol not found", nil)
		return
	}
	if p.PublisherID != accountID {
		httpx.WriteError(w, http.StatusForbidden, "only the publisher may view protocol stats", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"protocolId":      p.ID,
		"invocationCount": p.InvocationCount,
		"successCount":    p.SuccessCount,
		"failureCount":    p.FailureCount,
		"refundCount":     p.RefundCount,
		"successRate":     successRate(p),
		"refundRate":      refundRate(p),
	})
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 10, 50)
	protocols, err := h.store.Leaderboard(r.Context(), leaderboardMinVolume, limit, offset)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "leaderboard failed", nil)
		return
	}
	entries := make([]map[string]any, 0, len(protocols))
	for i, p := range protocols {
		entries = append(entries, map[string]any{
			"rank":            offset + i + 1,
			"protocol":        p,
			"successRate":     successRate(p),
			"invocationCount": p.InvocationCount,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

func successRate(p store.Protocol) float64 {
	if p.InvocationCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.InvocationCount)
}

func refundRate(p store.Protocol) float64 {
	if p.SuccessCount == 0 {
		return 0
	}
	return float64(p.RefundCount) / float64(p.SuccessCount)
}

func pageParams(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
