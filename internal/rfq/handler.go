package rfq

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// Handler exposes the RFQ API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers RFQ routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/rfqs", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Post("/{id}/open", h.open)
		r.Post("/{id}/close", h.close)
		r.Post("/{id}/award", h.award)
		r.Post("/{id}/cancel", h.cancel)
		r.Post("/{id}/bids", h.submitBid)
		r.Get("/{id}/bids", h.listBids)
	})
}

type createRFQPayload struct {
	Number     string    `json:"number"`
	Title      string    `json:"title" validate:"required"`
	Department string    `json:"department" validate:"required"`
	Year       int       `json:"year" validate:"required"`
	Quarter    int       `json:"quarter" validate:"min=0,max=4"`
	Deadline   time.Time `json:"deadline" validate:"required"`
	Lines      []struct {
		Description string `json:"description" validate:"required"`
		Qty         int64  `json:"qty" validate:"required,gt=0"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload createRFQPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateRFQInput{
		Number:     payload.Number,
		Title:      payload.Title,
		Department: payload.Department,
		Year:       payload.Year,
		Quarter:    payload.Quarter,
		Deadline:   payload.Deadline,
		CreatedBy:  shared.ActorFromContext(r.Context()),
	}
	for _, line := range payload.Lines {
		input.Lines = append(input.Lines, struct {
			Description string
			Qty         int64
		}{line.Description, line.Qty})
	}
	created, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rfq, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rfq)
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Open)
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Close)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

type awardPayload struct {
	BidID int64 `json:"bid_id" validate:"required"`
}

func (h *Handler) award(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload awardPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Award(r.Context(), id, payload.BidID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type submitBidPayload struct {
	VendorID int64  `json:"vendor_id" validate:"required"`
	Note     string `json:"note"`
	Lines    []struct {
		LineNo    int   `json:"line_no" validate:"required,gt=0"`
		UnitPrice int64 `json:"unit_price" validate:"gte=0"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) submitBid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload submitBidPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := SubmitBidInput{RFQID: id, VendorID: payload.VendorID, Note: payload.Note}
	for _, line := range payload.Lines {
		input.Lines = append(input.Lines, BidLine{LineNo: line.LineNo, UnitPrice: line.UnitPrice})
	}
	bid, err := h.service.SubmitBid(r.Context(), input)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, bid)
}

func (h *Handler) listBids(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bids, err := h.service.Bids(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bids)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, rfqID, actorID int64) (workflow.Result, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := fn(r.Context(), id, shared.ActorFromContext(r.Context()))
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
		invalid  workflow.InvalidTransitionError
		exceeded budget.ExceededError
	)
	switch {
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, ErrBidNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.As(err, &invalid):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.As(err, &exceeded):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Budget Exceeded", err.Error())
	case errors.Is(err, ErrNotOpen), errors.Is(err, ErrDeadlinePassed), errors.Is(err, ErrNoBids):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("rfq request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
