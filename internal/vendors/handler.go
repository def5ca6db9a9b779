package vendors

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// Handler exposes the vendor API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers vendor routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/vendors", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Post("/{id}/submit", h.action(workflow.ActionSubmit))
		r.Post("/{id}/activate", h.action(workflow.ActionActivate))
		r.Post("/{id}/return", h.action(workflow.ActionReturnDraft))
		r.Post("/{id}/block", h.action(workflow.ActionBlock))
		r.Post("/{id}/unblock", h.action(workflow.ActionUnblock))
		r.Post("/{id}/suspend", h.action(workflow.ActionSuspend))
		r.Post("/{id}/reinstate", h.action(workflow.ActionReinstate))
	})
}

type vendorPayload struct {
	Code               string `json:"code"`
	Name               string `json:"name" validate:"required"`
	TaxID              string `json:"tax_id"`
	ContactEmail       string `json:"contact_email" validate:"omitempty,email"`
	BankAccount        string `json:"bank_account"`
	RegistrationDocRef string `json:"registration_doc_ref"`
	TaxDocRef          string `json:"tax_doc_ref"`
	BankProofRef       string `json:"bank_proof_ref"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload vendorPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	vendor, err := h.service.Create(r.Context(), CreateVendorInput{
		Code:               payload.Code,
		Name:               payload.Name,
		TaxID:              payload.TaxID,
		ContactEmail:       payload.ContactEmail,
		BankAccount:        payload.BankAccount,
		RegistrationDocRef: payload.RegistrationDocRef,
		TaxDocRef:          payload.TaxDocRef,
		BankProofRef:       payload.BankProofRef,
		CreatedBy:          shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, vendor)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload vendorPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	vendor, err := h.service.Update(r.Context(), Vendor{
		ID:                 id,
		Name:               payload.Name,
		TaxID:              payload.TaxID,
		ContactEmail:       payload.ContactEmail,
		BankAccount:        payload.BankAccount,
		RegistrationDocRef: payload.RegistrationDocRef,
		TaxDocRef:          payload.TaxDocRef,
		BankProofRef:       payload.BankProofRef,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, vendor)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	vendor, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, vendor)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	status := workflow.Status(r.URL.Query().Get("status"))
	vendors, total, err := h.service.List(r.Context(), status, perPage, (page-1)*perPage)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      vendors,
		"pagination": shared.NewPagination(page, perPage, int(total)),
	})
}

type actionPayload struct {
	Reason string `json:"reason"`
}

func (h *Handler) action(action workflow.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var payload actionPayload
		if r.ContentLength > 0 {
			if err := httpx.DecodeJSON(r, &payload); err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
				return
			}
		}
		result, err := h.service.Transition(r.Context(), id, shared.ActorFromContext(r.Context()), action, payload.Reason)
		if err != nil {
			h.respondErr(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, result)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var invalid workflow.InvalidTransitionError
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.As(err, &invalid):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, ErrDocsIncomplete), errors.Is(err, ErrNotDraft):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrReasonRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("vendor request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
