package procurement

import (
	"context"
	"fmt"

	"github.com/procura-erp/procura/internal/recon"
	"github.com/procura-erp/procura/internal/workflow"
)

// TxStore exposes document operations inside one atomic unit of work.
type TxStore interface {
	GetRequest(ctx context.Context, id int64) (Request, error)
	GetOrder(ctx context.Context, id int64) (Order, error)
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	// OrderForRequest returns the non-cancelled order issued from the
	// request, or shared.ErrNotFound.
	OrderForRequest(ctx context.Context, requestID int64) (Order, error)
	InsertOrder(ctx context.Context, order Order) (Order, error)
	InsertReceipt(ctx context.Context, receipt Receipt) (Receipt, error)
	AddReceivedQty(ctx context.Context, orderID int64, lineNo int, qty int64) error
	AddInvoicedQty(ctx context.Context, orderID int64, lineNo int, qty int64) error
	// ReceiptLinesForOrder returns all confirmed receipt lines of an order.
	ReceiptLinesForOrder(ctx context.Context, orderID int64) ([]ReceiptLine, error)
	// InvoicedQtyExcluding sums invoiced quantities per order line number
	// across matched invoices of the order, excluding one invoice.
	InvoicedQtyExcluding(ctx context.Context, orderID, excludeInvoiceID int64) (map[int]int64, error)
	InsertInvoice(ctx context.Context, invoice Invoice) (Invoice, error)
	StoreMatchResult(ctx context.Context, invoiceID int64, verdict recon.Verdict) error
	SetOverride(ctx context.Context, invoiceID, actorID int64, reason string) error
	SetInvoicePaid(ctx context.Context, invoiceID int64) error
	ListInvoicesForOrder(ctx context.Context, orderID int64) ([]Invoice, error)
	VendorStatus(ctx context.Context, vendorID int64) (workflow.Status, error)
}

// Stores widens workflow.Stores with the document store. The unit of
// work's concrete stores satisfy both; guards and effects assert it.
type Stores interface {
	workflow.Stores
	Docs() TxStore
}

func docs(tx workflow.Stores) (TxStore, error) {
	s, ok := tx.(Stores)
	if !ok {
		return nil, fmt.Errorf("procurement: store %T does not expose documents", tx)
	}
	return s.Docs(), nil
}

// Store provides the unit of work plus pool-level reads for handlers and
// reporting.
type Store interface {
	workflow.UnitOfWork
	CreateRequest(ctx context.Context, req Request) (Request, error)
	GetRequest(ctx context.Context, id int64) (Request, error)
	GetOrder(ctx context.Context, id int64) (Order, error)
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListOpenInvoices(ctx context.Context) ([]Invoice, error)
	// ListSettledFulfilledOrders returns fulfilled orders whose invoices
	// are all paid, candidates for a replayed close.
	ListSettledFulfilledOrders(ctx context.Context) ([]int64, error)
}
