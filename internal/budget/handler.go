package budget

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/platform/httpx"
)

// Handler exposes the budget API.
type Handler struct {
	logger   *slog.Logger
	ledger   *Ledger
	cache    *AvailabilityCache
	validate *validator.Validate
}

// NewHandler builds Handler instance. cache may be nil.
func NewHandler(logger *slog.Logger, ledger *Ledger, cache *AvailabilityCache) *Handler {
	return &Handler{logger: logger, ledger: ledger, cache: cache, validate: validator.New()}
}

// MountRoutes registers budget routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/budgets", func(r chi.Router) {
		r.Get("/availability", h.availability)
		r.Post("/reallocate", h.reallocate)
	})
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}
	available, cached := h.cache.Get(r.Context(), key)
	if !cached {
		var err error
		available, err = h.ledger.Available(r.Context(), key)
		if err != nil {
			h.respondErr(w, err)
			return
		}
		h.cache.Set(r.Context(), key, available)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"department": key.Department,
		"year":       key.Year,
		"quarter":    key.Quarter,
		"available":  available,
	})
}

type reallocatePayload struct {
	FromDepartment string `json:"from_department" validate:"required"`
	FromYear       int    `json:"from_year" validate:"required"`
	FromQuarter    int    `json:"from_quarter" validate:"min=0,max=4"`
	ToDepartment   string `json:"to_department" validate:"required"`
	ToYear         int    `json:"to_year" validate:"required"`
	ToQuarter      int    `json:"to_quarter" validate:"min=0,max=4"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
}

func (h *Handler) reallocate(w http.ResponseWriter, r *http.Request) {
	var payload reallocatePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	from := Key{Department: payload.FromDepartment, Year: payload.FromYear, Quarter: payload.FromQuarter}
	to := Key{Department: payload.ToDepartment, Year: payload.ToYear, Quarter: payload.ToQuarter}
	if err := h.ledger.Reallocate(r.Context(), from, to, payload.Amount); err != nil {
		h.respondErr(w, err)
		return
	}
	h.cache.Invalidate(r.Context(), from, to)
	httpx.JSON(w, http.StatusOK, map[string]any{"from": from.String(), "to": to.String(), "amount": payload.Amount})
}

func keyFromQuery(w http.ResponseWriter, r *http.Request) (Key, bool) {
	department := r.URL.Query().Get("department")
	year, _ := strconv.Atoi(r.URL.Query().Get("year"))
	// Quarter 0, or no quarter at all, addresses the annual budget.
	quarter, _ := strconv.Atoi(r.URL.Query().Get("quarter"))
	if department == "" || year == 0 || quarter < 0 || quarter > 4 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "department and year are required; quarter runs 0 (annual) through 4")
		return Key{}, false
	}
	return Key{Department: department, Year: year, Quarter: quarter}, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var (
		notFound     NotFoundError
		insufficient InsufficientAvailableError
	)
	switch {
	case errors.As(err, &notFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Funds", err.Error())
	case errors.Is(err, ErrInvalidAmount):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("budget request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
