package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/store"
)

const itemTimeout = 3 * time.Second

// ItemReader loads persisted work items.
type ItemReader interface {
	Get(ctx context.Context, id string) (store.Record, error)
}

// ItemHandler exposes read-only work item endpoints.
type ItemHandler struct {
	repo    ItemReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewItemHandler wires the repository and logger.
func NewItemHandler(repo ItemReader, logger *zap.Logger) *ItemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemHandler{
		repo:    repo,
		timeout: itemTimeout,
		logger:  logger,
	}
}

// Get handles GET /v1/items/{item_id}. It returns {"item": {...}} on success,
// 404 when the repository reports store.ErrNotFound, 503 if no repository is
// configured, or 500 otherwise.
func (h *ItemHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "item repository unavailable")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "item_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		h.logger.Error("get item failed", zap.String("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": toItemDTO(rec)})
}

func toItemDTO(rec store.Record) itemDTO {
	emails := rec.Emails
	if emails == nil {
		emails = []string{}
	}
	return itemDTO{
		ID:           rec.Item.ID,
		TargetID:     rec.Item.TargetID,
		StoreName:    rec.Item.StoreName,
		BaseURL:      rec.Item.BaseURL,
		Scope:        rec.Item.Scope,
		Status:       string(rec.Status),
		Attempts:     rec.Item.Attempts,
		Emails:       emails,
		RawEmails:    len(rec.RawEmails),
		PagesVisited: rec.PagesVisited,
		LastError:    rec.LastError,
		FailedAt:     rec.FailedAt,
		ScrapedAt:    rec.ScrapedAt,
	}
}

type itemDTO struct {
	ID           string     `json:"id"`
	TargetID     string     `json:"target_id"`
	StoreName    string     `json:"store_name"`
	BaseURL      string     `json:"base_url"`
	Scope        string     `json:"scope,omitempty"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	Emails       []string   `json:"emails"`
	RawEmails    int        `json:"raw_email_count"`
	PagesVisited int        `json:"pages_visited"`
	LastError    string     `json:"last_error,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	ScrapedAt    *time.Time `json:"emails_scraped_at,omitempty"`
}
