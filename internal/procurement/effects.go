package procurement

import (
	"context"
	"errors"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/recon"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// Guards. Each is a pure predicate over the transition's transaction;
// none of them writes.

func (s *Service) guardHasLineItems(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	request, err := store.GetRequest(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	if len(request.Lines) == 0 {
		return ErrNoLineItems
	}
	return nil
}

func (s *Service) guardTotalMatchesLines(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	request, err := store.GetRequest(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	var sum int64
	for _, line := range request.Lines {
		sum += line.Qty * line.UnitPrice
	}
	if sum != request.TotalAmount {
		return ErrTotalMismatch
	}
	return nil
}

func (s *Service) guardNoOrderIssued(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	order, err := store.OrderForRequest(ctx, req.Entity.ID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}
	// A draft order has not reached the vendor yet and does not block
	// withdrawal of its request.
	if order.Status != workflow.OrderDraft {
		return ErrOrderAlreadyIssued
	}
	return nil
}

func (s *Service) guardSourceRequestApproved(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	order, err := store.GetOrder(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	if order.RequestID == nil {
		// RFQ-sourced orders have no request to check.
		return nil
	}
	request, err := store.GetRequest(ctx, *order.RequestID)
	if err != nil {
		return err
	}
	if request.Status != workflow.RequestApproved {
		return ErrSourceRequestNotApproved
	}
	return nil
}

func (s *Service) guardVendorActive(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	status, err := store.VendorStatus(ctx, req.Record.VendorID)
	if err != nil {
		return err
	}
	if status != workflow.VendorActive {
		return ErrVendorNotActive
	}
	return nil
}

func (s *Service) guardBudgetReserved(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	order, err := store.GetOrder(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	// Request-sourced orders inherit the request's reservation until the
	// issue transition rebinds it; RFQ-sourced orders reserved at award.
	owner := req.Entity
	if order.RequestID != nil {
		owner = shared.EntityRef{Type: shared.EntityRequest, ID: *order.RequestID}
	}
	if _, err := tx.Budgets().ActiveReservation(ctx, owner); err != nil {
		if errors.Is(err, budget.ErrNoActiveReservation) {
			return ErrBudgetNotReserved
		}
		return err
	}
	return nil
}

func (s *Service) guardMatchClean(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	_, verdict, err := s.matchTx(ctx, store, req.Entity.ID)
	if err != nil {
		return err
	}
	if !verdict.Matched {
		return MatchFailedError{InvoiceID: req.Entity.ID, Verdict: verdict}
	}
	return nil
}

func (s *Service) guardElevatedRole(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	held, err := s.roles.HasAnyRole(ctx, req.ActorID,
		identity.RoleFinanceHead, identity.RoleCFO, identity.RoleController)
	if err != nil {
		return err
	}
	if !held {
		return ErrElevatedRoleRequired
	}
	return nil
}

func (s *Service) guardReasonProvided(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	if req.Input.Reason == "" {
		return ErrReasonRequired
	}
	return nil
}

func (s *Service) guardAllInvoicesPaid(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	invoices, err := store.ListInvoicesForOrder(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	for _, inv := range invoices {
		if inv.Status != workflow.InvoicePaid {
			return ErrInvoicesOutstanding
		}
	}
	return nil
}

// Effects. Each runs inside the transition's transaction after all
// guards pass; a failure rolls the whole transition back.

func (s *Service) effectReserveBudget(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	_, err := s.ledger.CheckAndReserveTx(ctx, tx.Budgets(), req.Record.BudgetKey, req.Record.Amount, req.Entity)
	return err
}

func (s *Service) effectBuildApprovalChain(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	_, err := s.approvals.StartChain(ctx, tx.Approvals(), req.Entity, req.Record.Amount, identity.Context{
		Department:  req.Record.BudgetKey.Department,
		RequesterID: req.Record.SubmitterID,
	})
	return err
}

// effectAdvanceApproval records an approve decision. When the chain has
// further levels the document keeps its current status: only the final
// level lets the transition's target status take effect.
func (s *Service) effectAdvanceApproval(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	outcome, err := s.approvals.Advance(ctx, tx.Approvals(), req.Entity, req.Record.SubmitterID, approval.Decision{
		Action:  approval.ActionApprove,
		Level:   req.Input.Level,
		ActorID: req.ActorID,
		Note:    req.Input.Note,
	})
	if err != nil {
		return err
	}
	req.ChainOutcome = &outcome
	if !outcome.Final {
		req.To = req.Record.Status
	}
	return nil
}

func (s *Service) effectRejectApproval(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	outcome, err := s.approvals.Advance(ctx, tx.Approvals(), req.Entity, req.Record.SubmitterID, approval.Decision{
		Action:  approval.ActionReject,
		Level:   req.Input.Level,
		ActorID: req.ActorID,
		Note:    req.Input.Note,
	})
	if err != nil {
		return err
	}
	req.ChainOutcome = &outcome
	return nil
}

// effectEscalateApproval times out the current level. The transition is
// a self-loop; an exhausted chain stays where it is for manual handling.
func (s *Service) effectEscalateApproval(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	outcome, err := s.approvals.Advance(ctx, tx.Approvals(), req.Entity, req.Record.SubmitterID, approval.Decision{
		Action:  approval.ActionEscalate,
		Level:   req.Input.Level,
		ActorID: req.ActorID,
		Note:    "escalated after timeout",
	})
	if err != nil {
		return err
	}
	req.ChainOutcome = &outcome
	return nil
}

func (s *Service) effectVoidApprovals(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	return s.approvals.Void(ctx, tx.Approvals(), req.Entity)
}

func (s *Service) effectReleaseBudget(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	return s.ledger.ReleaseTx(ctx, tx.Budgets(), req.Entity)
}

func (s *Service) effectCommitSpend(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	return s.ledger.CommitSpendTx(ctx, tx.Budgets(), req.Entity)
}

// effectCreateOrderFromRequest drafts the purchase order when the final
// approval level passes. Intermediate levels leave the request pending
// and skip order creation.
func (s *Service) effectCreateOrderFromRequest(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	if req.ChainOutcome == nil || !req.ChainOutcome.Final {
		return nil
	}
	store, err := docs(tx)
	if err != nil {
		return err
	}
	request, err := store.GetRequest(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	order := Order{
		Number:      generateNumber("PO"),
		RequestID:   &request.ID,
		VendorID:    request.VendorID,
		Department:  request.Department,
		Year:        request.Year,
		Quarter:     request.Quarter,
		CreatedBy:   req.ActorID,
		Status:      workflow.OrderDraft,
		TotalAmount: request.TotalAmount,
	}
	for _, line := range request.Lines {
		order.Lines = append(order.Lines, OrderLine{
			LineNo:      line.LineNo,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
	}
	_, err = store.InsertOrder(ctx, order)
	return err
}

// effectRebindReservation moves the reservation from the source request
// to the issued order so later receipt and invoice activity references
// the order. Release and re-reserve run under the same budget row lock,
// so the headroom cannot be claimed by a competitor in between.
func (s *Service) effectRebindReservation(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	order, err := store.GetOrder(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	if order.RequestID == nil {
		// RFQ-sourced: the reservation already belongs to the order.
		return nil
	}
	requestRef := shared.EntityRef{Type: shared.EntityRequest, ID: *order.RequestID}
	if err := s.ledger.ReleaseTx(ctx, tx.Budgets(), requestRef); err != nil {
		return err
	}
	_, err = s.ledger.CheckAndReserveTx(ctx, tx.Budgets(), req.Record.BudgetKey, req.Record.Amount, req.Entity)
	return err
}

// effectStoreMatchResult recomputes and persists the verdict. On a clean
// match the invoiced quantities are advanced; every line of a clean
// match carries an explicit order line reference, because a fallback
// pairing reports LOW_CONFIDENCE_MATCH and never reaches here clean.
func (s *Service) effectStoreMatchResult(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	invoice, verdict, err := s.matchTx(ctx, store, req.Entity.ID)
	if err != nil {
		return err
	}
	if err := store.StoreMatchResult(ctx, invoice.ID, verdict); err != nil {
		return err
	}
	if !verdict.Matched {
		return nil
	}
	for _, line := range invoice.Lines {
		if err := store.AddInvoicedQty(ctx, invoice.OrderID, line.OrderLineNo, line.Qty); err != nil {
			return err
		}
	}
	return nil
}

// effectRecordOverride force-matches an exception invoice, recording who
// and why. Bookkeeping advances only for lines that resolve to a real
// order line, and never past what that line has received: overriding an
// over-billed or off-order line accepts the charge commercially without
// counting quantity the order never saw delivered.
func (s *Service) effectRecordOverride(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	if err := store.SetOverride(ctx, req.Entity.ID, req.ActorID, req.Input.Reason); err != nil {
		return err
	}
	invoice, err := store.GetInvoice(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	order, err := store.GetOrder(ctx, invoice.OrderID)
	if err != nil {
		return err
	}
	orderLines := make(map[int]OrderLine, len(order.Lines))
	for _, ol := range order.Lines {
		orderLines[ol.LineNo] = ol
	}
	prior, err := store.InvoicedQtyExcluding(ctx, order.ID, invoice.ID)
	if err != nil {
		return err
	}
	for _, line := range invoice.Lines {
		ol, ok := orderLines[line.OrderLineNo]
		if !ok {
			continue
		}
		deliverable := minInt64(ol.ReceivedQty, ol.Qty)
		add := minInt64(line.Qty, deliverable-prior[line.OrderLineNo])
		if add <= 0 {
			continue
		}
		if err := store.AddInvoicedQty(ctx, order.ID, line.OrderLineNo, add); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) effectBuildInvoiceChain(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	invoice, err := store.GetInvoice(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	order, err := store.GetOrder(ctx, invoice.OrderID)
	if err != nil {
		return err
	}
	_, err = s.approvals.StartChain(ctx, tx.Approvals(), req.Entity, invoice.TotalAmount, identity.Context{
		Department:  order.Department,
		RequesterID: invoice.UploadedBy,
	})
	return err
}

func (s *Service) effectMarkInvoicePaid(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := docs(tx)
	if err != nil {
		return err
	}
	return store.SetInvoicePaid(ctx, req.Entity.ID)
}

// matchTx loads the three documents of a match and runs the pure engine
// over them within the transition's transaction.
func (s *Service) matchTx(ctx context.Context, store TxStore, invoiceID int64) (Invoice, recon.Verdict, error) {
	invoice, err := store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, recon.Verdict{}, err
	}
	order, err := store.GetOrder(ctx, invoice.OrderID)
	if err != nil {
		return Invoice{}, recon.Verdict{}, err
	}
	receiptLines, err := store.ReceiptLinesForOrder(ctx, order.ID)
	if err != nil {
		return Invoice{}, recon.Verdict{}, err
	}
	prior, err := store.InvoicedQtyExcluding(ctx, order.ID, invoice.ID)
	if err != nil {
		return Invoice{}, recon.Verdict{}, err
	}

	orderLines := make([]recon.OrderLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		orderLines = append(orderLines, recon.OrderLine{
			LineNo:      line.LineNo,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
	}
	received := make([]recon.ReceiptLine, 0, len(receiptLines))
	for _, line := range receiptLines {
		received = append(received, recon.ReceiptLine{OrderLineNo: line.OrderLineNo, Qty: line.Qty})
	}
	invoiced := make([]recon.InvoiceLine, 0, len(invoice.Lines))
	for _, line := range invoice.Lines {
		invoiced = append(invoiced, recon.InvoiceLine{
			LineNo:      line.LineNo,
			OrderLineNo: line.OrderLineNo,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
		})
	}
	return invoice, recon.Match(orderLines, received, invoiced, prior, s.tol), nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
