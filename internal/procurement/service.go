package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/recon"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards replayed receipt and invoice postings.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig assembles the procurement service.
type ServiceConfig struct {
	Store       Store
	Ledger      *budget.Ledger
	Approvals   *approval.Service
	Resolver    identity.Resolver
	Roles       identity.RoleChecker
	Tolerance   recon.Tolerance
	Sink        shared.EventSink
	Audit       AuditPort
	Idempotency IdempotencyPort
	Logger      *slog.Logger
}

// Service orchestrates the requisition-to-payment flow. Every status
// change runs through the workflow engine; the service binds the guards
// and effects the request, order and invoice tables reference.
type Service struct {
	store       Store
	engine      *workflow.Engine
	ledger      *budget.Ledger
	approvals   *approval.Service
	resolver    identity.Resolver
	roles       identity.RoleChecker
	tol         recon.Tolerance
	audit       AuditPort
	idempotency IdempotencyPort
	logger      *slog.Logger
}

// NewService constructs the service and its workflow engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	s := &Service{
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		approvals:   cfg.Approvals,
		resolver:    cfg.Resolver,
		roles:       cfg.Roles,
		tol:         cfg.Tolerance,
		audit:       cfg.Audit,
		idempotency: cfg.Idempotency,
		logger:      cfg.Logger,
	}
	engine, err := workflow.New(workflow.Config{
		UnitOfWork: cfg.Store,
		Tables:     []workflow.Table{workflow.RequestTable(), workflow.OrderTable(), workflow.InvoiceTable()},
		Guards: map[workflow.Guard]workflow.GuardFunc{
			workflow.GuardHasLineItems:          s.guardHasLineItems,
			workflow.GuardTotalMatchesLines:     s.guardTotalMatchesLines,
			workflow.GuardNoOrderIssued:         s.guardNoOrderIssued,
			workflow.GuardSourceRequestApproved: s.guardSourceRequestApproved,
			workflow.GuardVendorActive:          s.guardVendorActive,
			workflow.GuardBudgetReserved:        s.guardBudgetReserved,
			workflow.GuardMatchClean:            s.guardMatchClean,
			workflow.GuardElevatedRole:          s.guardElevatedRole,
			workflow.GuardReasonProvided:        s.guardReasonProvided,
			workflow.GuardAllInvoicesPaid:       s.guardAllInvoicesPaid,
		},
		Effects: map[workflow.Effect]workflow.EffectFunc{
			workflow.EffectReserveBudget:             s.effectReserveBudget,
			workflow.EffectBuildApprovalChain:        s.effectBuildApprovalChain,
			workflow.EffectAdvanceApproval:           s.effectAdvanceApproval,
			workflow.EffectRejectApproval:            s.effectRejectApproval,
			workflow.EffectEscalateApproval:          s.effectEscalateApproval,
			workflow.EffectVoidApprovals:             s.effectVoidApprovals,
			workflow.EffectReleaseBudget:             s.effectReleaseBudget,
			workflow.EffectCommitSpend:               s.effectCommitSpend,
			workflow.EffectCreateOrderFromRequest:    s.effectCreateOrderFromRequest,
			workflow.EffectRebindReservationToOrder:  s.effectRebindReservation,
			workflow.EffectStoreMatchResult:          s.effectStoreMatchResult,
			workflow.EffectRecordOverride:            s.effectRecordOverride,
			workflow.EffectBuildInvoiceChain:         s.effectBuildInvoiceChain,
			workflow.EffectMarkInvoicePaid:           s.effectMarkInvoicePaid,
		},
		Sink:   cfg.Sink,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// CreateRequestInput describes a draft requisition.
type CreateRequestInput struct {
	Number      string
	Department  string
	Year        int
	Quarter     int
	VendorID    int64
	SubmitterID int64
	Description string
	Lines       []RequestLineInput
}

// RequestLineInput describes one requested item.
type RequestLineInput struct {
	Description string
	Qty         int64
	UnitPrice   int64
}

// CreateRequest persists a draft requisition with numbered lines.
func (s *Service) CreateRequest(ctx context.Context, input CreateRequestInput) (Request, error) {
	if input.Department == "" || input.Year == 0 || input.SubmitterID == 0 {
		return Request{}, ErrValidation
	}
	if input.Number == "" {
		input.Number = generateNumber("REQ")
	}
	req := Request{
		Number:      input.Number,
		Department:  input.Department,
		Year:        input.Year,
		Quarter:     input.Quarter,
		VendorID:    input.VendorID,
		SubmitterID: input.SubmitterID,
		Description: input.Description,
		Status:      workflow.RequestDraft,
	}
	for i, line := range input.Lines {
		if line.Qty <= 0 || line.UnitPrice < 0 {
			return Request{}, ErrValidation
		}
		req.Lines = append(req.Lines, RequestLine{
			LineNo:      i + 1,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
		req.TotalAmount += line.Qty * line.UnitPrice
	}
	created, err := s.store.CreateRequest(ctx, req)
	if err != nil {
		return Request{}, err
	}
	s.recordAudit(ctx, input.SubmitterID, "REQUEST_CREATE", shared.EntityRef{Type: shared.EntityRequest, ID: created.ID}, map[string]any{"number": created.Number})
	return created, nil
}

// Submit moves a request into its approval flow: budget reservation and
// chain construction happen inside the same transaction as the status
// flip.
func (s *Service) Submit(ctx context.Context, requestID, actorID int64) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: shared.EntityRequest, ID: requestID}, workflow.ActionSubmit, actorID, workflow.Input{})
}

// Approve records an approval decision at the given chain level.
func (s *Service) Approve(ctx context.Context, entityType shared.EntityType, entityID, actorID int64, level int, note string) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: entityType, ID: entityID}, workflow.ActionApprove, actorID, workflow.Input{Level: level, Note: note})
}

// Reject records a rejection. Remaining chain levels are voided and the
// budget reservation released in the same atomic step.
func (s *Service) Reject(ctx context.Context, entityType shared.EntityType, entityID, actorID int64, level int, note string) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: entityType, ID: entityID}, workflow.ActionReject, actorID, workflow.Input{Level: level, Note: note})
}

// Cancel cancels a request, order or invoice where its table allows.
func (s *Service) Cancel(ctx context.Context, entityType shared.EntityType, entityID, actorID int64) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: entityType, ID: entityID}, workflow.ActionCancel, actorID, workflow.Input{})
}

// IssueOrder issues a request-sourced draft order to its vendor.
func (s *Service) IssueOrder(ctx context.Context, orderID, actorID int64) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: shared.EntityOrder, ID: orderID}, workflow.ActionIssue, actorID, workflow.Input{})
}

// AcknowledgeOrder records the vendor's acknowledgement.
func (s *Service) AcknowledgeOrder(ctx context.Context, orderID, actorID int64) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: shared.EntityOrder, ID: orderID}, workflow.ActionAcknowledge, actorID, workflow.Input{})
}

// CreateReceiptInput describes a confirmed delivery.
type CreateReceiptInput struct {
	Number     string
	OrderID    int64
	ReceivedBy int64
	ReceivedAt time.Time
	Note       string
	Lines      []ReceiptLineInput
}

// ReceiptLineInput references an order line by number.
type ReceiptLineInput struct {
	OrderLineNo int
	Qty         int64
}

// CreateReceipt posts a receipt, enforcing cumulative received <= ordered
// per line, then advances the order to partially fulfilled or fulfilled.
func (s *Service) CreateReceipt(ctx context.Context, input CreateReceiptInput) (Receipt, error) {
	if input.OrderID == 0 || len(input.Lines) == 0 {
		return Receipt{}, ErrValidation
	}
	if input.Number == "" {
		input.Number = generateNumber("RCV")
	}
	idemKey := fmt.Sprintf("RCV:%s", input.Number)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "procurement.receipt"); err != nil {
			return Receipt{}, err
		}
		inserted = true
	}
	var (
		receipt Receipt
		full    bool
	)
	err := s.store.Execute(ctx, func(ctx context.Context, tx workflow.Stores) error {
		store, err := docs(tx)
		if err != nil {
			return err
		}
		order, err := store.GetOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		if order.Status != workflow.OrderAcknowledged && order.Status != workflow.OrderPartiallyFulfilled {
			return workflow.InvalidTransitionError{
				Entity: shared.EntityRef{Type: shared.EntityOrder, ID: order.ID},
				Status: order.Status,
				Action: workflow.ActionReceive,
			}
		}
		byLineNo := make(map[int]OrderLine, len(order.Lines))
		for _, line := range order.Lines {
			byLineNo[line.LineNo] = line
		}
		receipt = Receipt{
			Number:     input.Number,
			OrderID:    input.OrderID,
			ReceivedBy: input.ReceivedBy,
			ReceivedAt: defaultTime(input.ReceivedAt),
			Note:       input.Note,
		}
		for _, line := range input.Lines {
			ol, ok := byLineNo[line.OrderLineNo]
			if !ok || line.Qty <= 0 {
				return ErrValidation
			}
			if ol.ReceivedQty+line.Qty > ol.Qty {
				return ReceiptExceedsOrderedError{
					OrderID:   order.ID,
					LineNo:    ol.LineNo,
					Ordered:   ol.Qty,
					Received:  ol.ReceivedQty,
					Attempted: line.Qty,
				}
			}
			receipt.Lines = append(receipt.Lines, ReceiptLine{OrderLineNo: line.OrderLineNo, Qty: line.Qty})
		}
		receipt, err = store.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		for _, line := range receipt.Lines {
			if err := store.AddReceivedQty(ctx, order.ID, line.OrderLineNo, line.Qty); err != nil {
				return err
			}
		}
		updated, err := store.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		full = true
		for _, line := range updated.Lines {
			if line.ReceivedQty < line.Qty {
				full = false
				break
			}
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Receipt{}, err
	}
	action := workflow.ActionReceive
	if full {
		action = workflow.ActionFulfill
	}
	if _, err := s.apply(ctx, shared.EntityRef{Type: shared.EntityOrder, ID: input.OrderID}, action, input.ReceivedBy, workflow.Input{}); err != nil {
		return Receipt{}, err
	}
	s.recordAudit(ctx, input.ReceivedBy, "RECEIPT_CREATE", shared.EntityRef{Type: shared.EntityOrder, ID: input.OrderID}, map[string]any{"number": receipt.Number})
	return receipt, nil
}

// UploadInvoiceInput describes an uploaded vendor bill.
type UploadInvoiceInput struct {
	Number     string
	OrderID    int64
	UploadedBy int64
	DueAt      time.Time
	Lines      []InvoiceLineInput
}

// InvoiceLineInput carries one invoice line. OrderLineNo zero leaves the
// pairing to the reconciliation fallback.
type InvoiceLineInput struct {
	OrderLineNo int
	Description string
	Qty         int64
	UnitPrice   int64
}

// UploadInvoice stores an invoice in UPLOADED and immediately runs the
// three-way match.
func (s *Service) UploadInvoice(ctx context.Context, input UploadInvoiceInput) (Invoice, recon.Verdict, error) {
	if input.OrderID == 0 || len(input.Lines) == 0 {
		return Invoice{}, recon.Verdict{}, ErrValidation
	}
	if input.Number == "" {
		input.Number = generateNumber("INV")
	}
	idemKey := fmt.Sprintf("INV:%s", input.Number)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "procurement.invoice"); err != nil {
			return Invoice{}, recon.Verdict{}, err
		}
		inserted = true
	}
	var invoice Invoice
	err := s.store.Execute(ctx, func(ctx context.Context, tx workflow.Stores) error {
		store, err := docs(tx)
		if err != nil {
			return err
		}
		order, err := store.GetOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		invoice = Invoice{
			Number:     input.Number,
			OrderID:    order.ID,
			VendorID:   order.VendorID,
			UploadedBy: input.UploadedBy,
			Status:     workflow.InvoiceUploaded,
			DueAt:      input.DueAt,
		}
		for i, line := range input.Lines {
			if line.Qty <= 0 || line.UnitPrice < 0 {
				return ErrValidation
			}
			invoice.Lines = append(invoice.Lines, InvoiceLine{
				LineNo:      i + 1,
				OrderLineNo: line.OrderLineNo,
				Description: line.Description,
				Qty:         line.Qty,
				UnitPrice:   line.UnitPrice,
			})
			invoice.TotalAmount += line.Qty * line.UnitPrice
		}
		invoice, err = store.InsertInvoice(ctx, invoice)
		return err
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Invoice{}, recon.Verdict{}, err
	}
	verdict, err := s.TriggerMatch(ctx, invoice.ID, input.UploadedBy)
	if err != nil {
		return Invoice{}, recon.Verdict{}, err
	}
	return invoice, verdict, nil
}

// TriggerMatch runs reconciliation on an uploaded invoice. A clean match
// lands in MATCHED and opens the invoice approval chain; exceptions land
// in EXCEPTION with the list attached.
func (s *Service) TriggerMatch(ctx context.Context, invoiceID, actorID int64) (recon.Verdict, error) {
	ref := shared.EntityRef{Type: shared.EntityInvoice, ID: invoiceID}
	_, err := s.apply(ctx, ref, workflow.ActionMatch, actorID, workflow.Input{})
	if err == nil {
		return recon.Verdict{Matched: true}, nil
	}
	var failed MatchFailedError
	if !errors.As(err, &failed) {
		return recon.Verdict{}, err
	}
	if _, err := s.apply(ctx, ref, workflow.ActionFlag, actorID, workflow.Input{}); err != nil {
		return recon.Verdict{}, err
	}
	return failed.Verdict, nil
}

// OverrideException force-matches an exception invoice. Requires an
// elevated role and a reason.
func (s *Service) OverrideException(ctx context.Context, invoiceID, actorID int64, reason string) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: shared.EntityInvoice, ID: invoiceID}, workflow.ActionOverride, actorID, workflow.Input{Reason: reason})
}

// DisputeInvoice moves an exception invoice into dispute.
func (s *Service) DisputeInvoice(ctx context.Context, invoiceID, actorID int64, reason string) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: shared.EntityInvoice, ID: invoiceID}, workflow.ActionDispute, actorID, workflow.Input{Reason: reason})
}

// PayInvoice marks an approved invoice paid and attempts to close the
// order once every invoice on it is settled. The close commits the
// ledger reservation to spend. Payment and close are separate commits;
// a close lost between them is replayed by CloseOrder or the background
// sweep over settled orders.
func (s *Service) PayInvoice(ctx context.Context, invoiceID, actorID int64) (workflow.Result, error) {
	result, err := s.apply(ctx, shared.EntityRef{Type: shared.EntityInvoice, ID: invoiceID}, workflow.ActionPay, actorID, workflow.Input{})
	if err != nil {
		return workflow.Result{}, err
	}
	invoice, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return workflow.Result{}, err
	}
	if _, err := s.apply(ctx, shared.EntityRef{Type: shared.EntityOrder, ID: invoice.OrderID}, workflow.ActionClose, actorID, workflow.Input{}); err != nil {
		// The order stays open while other invoices are outstanding or
		// receipts are still incomplete; that is not a payment failure.
		var invalid workflow.InvalidTransitionError
		if !errors.As(err, &invalid) && !errors.Is(err, ErrInvoicesOutstanding) {
			return workflow.Result{}, err
		}
	}
	return result, nil
}

// CloseOrder finalises a fulfilled order once every invoice on it is
// paid, committing the reserved budget to spend. PayInvoice attempts
// this automatically; the explicit entry point replays a close that
// never committed after the final payment did.
func (s *Service) CloseOrder(ctx context.Context, orderID, actorID int64) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: shared.EntityOrder, ID: orderID}, workflow.ActionClose, actorID, workflow.Input{})
}

// CloseSettledOrders closes every fulfilled order whose invoices are all
// paid. Driven by the background sweep; returns how many orders closed.
func (s *Service) CloseSettledOrders(ctx context.Context) (int, error) {
	ids, err := s.store.ListSettledFulfilledOrders(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		if _, err := s.CloseOrder(ctx, id, 0); err != nil {
			// The close guard re-checks inside the transition; an order
			// that raced into a different state just skips this round.
			var invalid workflow.InvalidTransitionError
			if errors.As(err, &invalid) || errors.Is(err, ErrInvoicesOutstanding) {
				continue
			}
			s.logger.Error("close settled order",
				slog.Int64("order_id", id),
				slog.Any("error", err))
			continue
		}
		closed++
	}
	return closed, nil
}

// Escalate times out the current approval level of an entity. Driven by
// the background scan; it reuses the same sequential advance path as a
// normal decision.
func (s *Service) Escalate(ctx context.Context, entityType shared.EntityType, entityID int64, level int) (workflow.Result, error) {
	return s.apply(ctx, shared.EntityRef{Type: entityType, ID: entityID}, workflow.ActionEscalate, 0, workflow.Input{Level: level})
}

// GetRequest returns a request with lines.
func (s *Service) GetRequest(ctx context.Context, id int64) (Request, error) {
	return s.store.GetRequest(ctx, id)
}

// GetOrder returns an order with lines.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	return s.store.GetOrder(ctx, id)
}

// GetInvoice returns an invoice with lines and exceptions.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return s.store.GetInvoice(ctx, id)
}

// AgingBucket summarises open invoice totals by days overdue.
type AgingBucket struct {
	Current   int64
	Bucket30  int64
	Bucket60  int64
	Bucket90  int64
	Bucket120 int64
}

// CalculateAging groups open invoices by due date buckets.
func (s *Service) CalculateAging(ctx context.Context, asOf time.Time) (AgingBucket, error) {
	invoices, err := s.store.ListOpenInvoices(ctx)
	if err != nil {
		return AgingBucket{}, err
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}
	var bucket AgingBucket
	for _, inv := range invoices {
		if inv.Status == workflow.InvoicePaid {
			continue
		}
		days := int(asOf.Sub(inv.DueAt).Hours() / 24)
		switch {
		case days <= 0:
			bucket.Current += inv.TotalAmount
		case days <= 30:
			bucket.Bucket30 += inv.TotalAmount
		case days <= 60:
			bucket.Bucket60 += inv.TotalAmount
		case days <= 90:
			bucket.Bucket90 += inv.TotalAmount
		default:
			bucket.Bucket120 += inv.TotalAmount
		}
	}
	return bucket, nil
}

func (s *Service) apply(ctx context.Context, ref shared.EntityRef, action workflow.Action, actorID int64, input workflow.Input) (workflow.Result, error) {
	result, err := s.engine.Apply(ctx, ref, action, actorID, input)
	if err != nil {
		return workflow.Result{}, err
	}
	s.recordAudit(ctx, actorID, fmt.Sprintf("%s_%s", ref.Type, action), ref, map[string]any{
		"from": string(result.From),
		"to":   string(result.To),
	})
	return result, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, ref shared.EntityRef, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   string(ref.Type),
		EntityID: fmt.Sprintf("%d", ref.ID),
		Meta:     meta,
	})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func defaultTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now()
	}
	return value
}
