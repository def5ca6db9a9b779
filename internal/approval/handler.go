package approval

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/shared"
)

// Handler exposes read access to approval chains. Decisions go through
// the owning entity's transition endpoints, never through here.
type Handler struct {
	logger *slog.Logger
	repo   *Repository
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers approval routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/approvals/{entityType}/{id}", h.listByEntity)
}

func (h *Handler) listByEntity(w http.ResponseWriter, r *http.Request) {
	entityType := shared.EntityType(strings.ToUpper(chi.URLParam(r, "entityType")))
	switch entityType {
	case shared.EntityRequest, shared.EntityOrder, shared.EntityInvoice, shared.EntityVendor, shared.EntityRFQ:
	default:
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown entity type")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	chain, err := h.repo.ListByEntity(r.Context(), shared.EntityRef{Type: entityType, ID: id})
	if err != nil {
		h.logger.Error("list approvals", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, chain)
}
