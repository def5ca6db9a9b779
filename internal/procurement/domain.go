package procurement

import (
	"errors"
	"fmt"
	"time"

	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/recon"
	"github.com/procura-erp/procura/internal/workflow"
)

// Request is a purchase requisition. All amounts are integer minor
// currency units. Status changes go through the workflow engine only;
// Version is the optimistic concurrency column for everything else.
type Request struct {
	ID          int64
	Number      string
	Department  string
	Year        int
	Quarter     int
	VendorID    int64
	SubmitterID int64
	Description string
	Status      workflow.Status
	Version     int64
	TotalAmount int64
	Lines       []RequestLine
}

// BudgetKey derives the ledger key for the request's department/period.
func (r Request) BudgetKey() budget.Key {
	return budget.Key{Department: r.Department, Year: r.Year, Quarter: r.Quarter}
}

// RequestLine is one requested item.
type RequestLine struct {
	ID          int64
	RequestID   int64
	LineNo      int
	Description string
	Qty         int64
	UnitPrice   int64
}

// Order is a purchase order issued to a vendor. RequestID is set for
// request-sourced orders, RFQID for awarded bids.
type Order struct {
	ID          int64
	Number      string
	RequestID   *int64
	RFQID       *int64
	VendorID    int64
	Department  string
	Year        int
	Quarter     int
	CreatedBy   int64
	Status      workflow.Status
	Version     int64
	TotalAmount int64
	Lines       []OrderLine
}

// BudgetKey derives the ledger key carried over from the source request
// or the awarding RFQ.
func (o Order) BudgetKey() budget.Key {
	return budget.Key{Department: o.Department, Year: o.Year, Quarter: o.Quarter}
}

// OrderLine carries the cumulative receipt and invoice bookkeeping.
// Invariants: ReceivedQty <= Qty and InvoicedQty <= ReceivedQty.
type OrderLine struct {
	ID          int64
	OrderID     int64
	LineNo      int
	Description string
	Qty         int64
	UnitPrice   int64
	ReceivedQty int64
	InvoicedQty int64
}

// Receipt is a confirmed delivery against an order.
type Receipt struct {
	ID         int64
	Number     string
	OrderID    int64
	ReceivedBy int64
	ReceivedAt time.Time
	Note       string
	Lines      []ReceiptLine
}

// ReceiptLine references an order line by its line number.
type ReceiptLine struct {
	ID          int64
	ReceiptID   int64
	OrderLineNo int
	Qty         int64
}

// Invoice is a vendor bill uploaded against an order. Exceptions holds
// the reconciliation outcome attached for override and dispute handling.
type Invoice struct {
	ID             int64
	Number         string
	OrderID        int64
	VendorID       int64
	UploadedBy     int64
	Status         workflow.Status
	Version        int64
	TotalAmount    int64
	DueAt          time.Time
	Lines          []InvoiceLine
	Exceptions     []recon.Exception
	OverrideReason *string
	OverrideBy     *int64
	PaidAt         *time.Time
}

// InvoiceLine pairs to an order line by OrderLineNo; zero means the
// upload carried no line ref and reconciliation falls back to
// description matching.
type InvoiceLine struct {
	ID          int64
	InvoiceID   int64
	LineNo      int
	OrderLineNo int
	Description string
	Qty         int64
	UnitPrice   int64
}

// MatchFailedError carries the reconciliation verdict when a match
// transition finds exceptions. It is a business outcome, not a defect;
// the caller flags the invoice into its exception state.
type MatchFailedError struct {
	InvoiceID int64
	Verdict   recon.Verdict
}

func (e MatchFailedError) Error() string {
	return fmt.Sprintf("procurement: invoice %d failed three-way match with %d exception(s)", e.InvoiceID, len(e.Verdict.Exceptions))
}

// ReceiptExceedsOrderedError reports a receipt that would push the
// cumulative received quantity past the ordered quantity.
type ReceiptExceedsOrderedError struct {
	OrderID   int64
	LineNo    int
	Ordered   int64
	Received  int64
	Attempted int64
}

func (e ReceiptExceedsOrderedError) Error() string {
	return fmt.Sprintf("procurement: receipt for order %d line %d exceeds ordered quantity: ordered %d, received %d, attempted %d",
		e.OrderID, e.LineNo, e.Ordered, e.Received, e.Attempted)
}

var (
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrNoLineItems occurs when a request is submitted without lines.
	ErrNoLineItems = errors.New("procurement: request has no line items")
	// ErrTotalMismatch occurs when a request total disagrees with its lines.
	ErrTotalMismatch = errors.New("procurement: request total does not match lines")
	// ErrOrderAlreadyIssued blocks cancelling an approved request once an
	// order has been issued from it.
	ErrOrderAlreadyIssued = errors.New("procurement: an order has been issued from this request")
	// ErrVendorNotActive blocks issuing an order to an inactive vendor.
	ErrVendorNotActive = errors.New("procurement: vendor is not active")
	// ErrSourceRequestNotApproved blocks issuing an order whose source
	// request is not approved.
	ErrSourceRequestNotApproved = errors.New("procurement: source request is not approved")
	// ErrBudgetNotReserved blocks issuing an order whose source request
	// holds no active reservation.
	ErrBudgetNotReserved = errors.New("procurement: no active budget reservation for source request")
	// ErrInvoicesOutstanding blocks closing an order with unpaid invoices.
	ErrInvoicesOutstanding = errors.New("procurement: order has unpaid invoices")
	// ErrReasonRequired occurs when an override or dispute lacks a reason.
	ErrReasonRequired = errors.New("procurement: a reason is required")
	// ErrElevatedRoleRequired blocks a match override by an actor without
	// a finance role.
	ErrElevatedRoleRequired = errors.New("procurement: override requires an elevated role")
)
