package procurement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// Handler exposes the procurement API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Post("/", h.createRequest)
		r.Get("/{id}", h.getRequest)
		r.Post("/{id}/submit", h.submitRequest)
		r.Post("/{id}/approve", h.approveRequest)
		r.Post("/{id}/reject", h.rejectRequest)
		r.Post("/{id}/cancel", h.cancelRequest)
	})
	r.Route("/orders", func(r chi.Router) {
		r.Get("/{id}", h.getOrder)
		r.Post("/{id}/issue", h.issueOrder)
		r.Post("/{id}/acknowledge", h.acknowledgeOrder)
		r.Post("/{id}/close", h.closeOrder)
		r.Post("/{id}/cancel", h.cancelOrder)
		r.Post("/{id}/receipts", h.createReceipt)
	})
	r.Route("/invoices", func(r chi.Router) {
		r.Post("/", h.uploadInvoice)
		r.Get("/{id}", h.getInvoice)
		r.Post("/{id}/match", h.triggerMatch)
		r.Post("/{id}/override", h.overrideException)
		r.Post("/{id}/dispute", h.disputeInvoice)
		r.Post("/{id}/approve", h.approveInvoice)
		r.Post("/{id}/pay", h.payInvoice)
	})
	r.Get("/reports/ap-aging", h.apAging)
}

type createRequestPayload struct {
	Number      string `json:"number"`
	Department  string `json:"department" validate:"required"`
	Year        int    `json:"year" validate:"required"`
	Quarter     int    `json:"quarter" validate:"min=0,max=4"`
	VendorID    int64  `json:"vendor_id" validate:"required"`
	Description string `json:"description"`
	Lines       []struct {
		Description string `json:"description" validate:"required"`
		Qty         int64  `json:"qty" validate:"required,gt=0"`
		UnitPrice   int64  `json:"unit_price" validate:"gte=0"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var payload createRequestPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateRequestInput{
		Number:      payload.Number,
		Department:  payload.Department,
		Year:        payload.Year,
		Quarter:     payload.Quarter,
		VendorID:    payload.VendorID,
		SubmitterID: shared.ActorFromContext(r.Context()),
		Description: payload.Description,
	}
	for _, line := range payload.Lines {
		input.Lines = append(input.Lines, RequestLineInput{
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
	}
	req, err := h.service.CreateRequest(r.Context(), input)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, req)
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) submitRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, shared.EntityRequest, func(id, actor int64) (workflow.Result, error) {
		return h.service.Submit(r.Context(), id, actor)
	})
}

type decisionPayload struct {
	Level int    `json:"level" validate:"required,gt=0"`
	Note  string `json:"note"`
}

func (h *Handler) approveRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, shared.EntityRequest, h.service.Approve)
}

func (h *Handler) rejectRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, shared.EntityRequest, h.service.Reject)
}

func (h *Handler) cancelRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, shared.EntityRequest, func(id, actor int64) (workflow.Result, error) {
		return h.service.Cancel(r.Context(), shared.EntityRequest, id, actor)
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) issueOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, shared.EntityOrder, func(id, actor int64) (workflow.Result, error) {
		return h.service.IssueOrder(r.Context(), id, actor)
	})
}

func (h *Handler) acknowledgeOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, shared.EntityOrder, func(id, actor int64) (workflow.Result, error) {
		return h.service.AcknowledgeOrder(r.Context(), id, actor)
	})
}

func (h *Handler) closeOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, shared.EntityOrder, func(id, actor int64) (workflow.Result, error) {
		return h.service.CloseOrder(r.Context(), id, actor)
	})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, shared.EntityOrder, func(id, actor int64) (workflow.Result, error) {
		return h.service.Cancel(r.Context(), shared.EntityOrder, id, actor)
	})
}

type createReceiptPayload struct {
	Number string `json:"number"`
	Note   string `json:"note"`
	Lines  []struct {
		OrderLineNo int   `json:"order_line_no" validate:"required,gt=0"`
		Qty         int64 `json:"qty" validate:"required,gt=0"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) createReceipt(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload createReceiptPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateReceiptInput{
		Number:     payload.Number,
		OrderID:    orderID,
		ReceivedBy: shared.ActorFromContext(r.Context()),
		Note:       payload.Note,
	}
	for _, line := range payload.Lines {
		input.Lines = append(input.Lines, ReceiptLineInput{OrderLineNo: line.OrderLineNo, Qty: line.Qty})
	}
	receipt, err := h.service.CreateReceipt(r.Context(), input)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receipt)
}

type uploadInvoicePayload struct {
	Number  string    `json:"number"`
	OrderID int64     `json:"order_id" validate:"required"`
	DueAt   time.Time `json:"due_at" validate:"required"`
	Lines   []struct {
		OrderLineNo int    `json:"order_line_no"`
		Description string `json:"description"`
		Qty         int64  `json:"qty" validate:"required,gt=0"`
		UnitPrice   int64  `json:"unit_price" validate:"gte=0"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) uploadInvoice(w http.ResponseWriter, r *http.Request) {
	var payload uploadInvoicePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := UploadInvoiceInput{
		Number:     payload.Number,
		OrderID:    payload.OrderID,
		UploadedBy: shared.ActorFromContext(r.Context()),
		DueAt:      payload.DueAt,
	}
	for _, line := range payload.Lines {
		input.Lines = append(input.Lines, InvoiceLineInput{
			OrderLineNo: line.OrderLineNo,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
	}
	invoice, verdict, err := h.service.UploadInvoice(r.Context(), input)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"invoice": invoice, "verdict": verdict})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	invoice, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) triggerMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	verdict, err := h.service.TriggerMatch(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, verdict)
}

type reasonPayload struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) overrideException(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload reasonPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.OverrideException(r.Context(), id, shared.ActorFromContext(r.Context()), payload.Reason)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) disputeInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload reasonPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	result, err := h.service.DisputeInvoice(r.Context(), id, shared.ActorFromContext(r.Context()), payload.Reason)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) approveInvoice(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, shared.EntityInvoice, h.service.Approve)
}

func (h *Handler) payInvoice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, shared.EntityInvoice, func(id, actor int64) (workflow.Result, error) {
		return h.service.PayInvoice(r.Context(), id, actor)
	})
}

func (h *Handler) apAging(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}
	buckets, err := h.service.CalculateAging(r.Context(), asOf)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, buckets)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, _ shared.EntityType, fn func(id, actor int64) (workflow.Result, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := fn(id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, entityType shared.EntityType,
	fn func(ctx context.Context, entityType shared.EntityType, entityID, actorID int64, level int, note string) (workflow.Result, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload decisionPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := fn(r.Context(), entityType, id, shared.ActorFromContext(r.Context()), payload.Level, payload.Note)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
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
	var (
		invalid    workflow.InvalidTransitionError
		exceeded   budget.ExceededError
		matchFail  MatchFailedError
		rcptExceed ReceiptExceedsOrderedError
		unassigned approval.UnassignedApproverError
	)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.As(err, &invalid):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.As(err, &exceeded):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Budget Exceeded", err.Error())
	case errors.As(err, &matchFail):
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"title":   "Match Failed",
			"verdict": matchFail.Verdict,
		})
	case errors.As(err, &rcptExceed):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Receipt Exceeds Ordered", err.Error())
	case errors.As(err, &unassigned):
		httpx.Problem(w, http.StatusConflict, "Approver Unassigned", err.Error())
	case errors.Is(err, approval.ErrSelfApproval),
		errors.Is(err, approval.ErrNotCurrentApprover),
		errors.Is(err, ErrElevatedRoleRequired):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, approval.ErrOutOfSequence),
		errors.Is(err, approval.ErrNoPendingApproval),
		errors.Is(err, ErrOrderAlreadyIssued),
		errors.Is(err, ErrVendorNotActive),
		errors.Is(err, ErrSourceRequestNotApproved),
		errors.Is(err, ErrBudgetNotReserved),
		errors.Is(err, ErrInvoicesOutstanding):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNoLineItems),
		errors.Is(err, ErrTotalMismatch),
		errors.Is(err, ErrReasonRequired),
		errors.Is(err, budget.ErrInvalidAmount):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("procurement request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
