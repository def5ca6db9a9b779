package rfq

import (
	"errors"
	"time"

	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/workflow"
)

// RFQ is a request for quotation. Bids are accepted while the RFQ is
// open and before the deadline; awarding the winning bid creates a
// purchase order against the RFQ's budget.
type RFQ struct {
	ID           int64
	Number       string
	Title        string
	Department   string
	Year         int
	Quarter      int
	Deadline     time.Time
	CreatedBy    int64
	Status       workflow.Status
	Version      int64
	WinningBidID *int64
	Lines        []Line
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BudgetKey derives the ledger key for the RFQ's department/period.
func (r RFQ) BudgetKey() budget.Key {
	return budget.Key{Department: r.Department, Year: r.Year, Quarter: r.Quarter}
}

// Line is one requested item of an RFQ.
type Line struct {
	ID          int64
	RFQID       int64
	LineNo      int
	Description string
	Qty         int64
}

// Bid is a vendor's priced response. Amount is the bid total in minor
// units; line prices mirror the RFQ lines by number.
type Bid struct {
	ID          int64
	RFQID       int64
	VendorID    int64
	Amount      int64
	Note        string
	Lines       []BidLine
	SubmittedAt time.Time
}

// BidLine prices one RFQ line.
type BidLine struct {
	ID        int64
	BidID     int64
	LineNo    int
	UnitPrice int64
}

var (
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("rfq: invalid input")
	// ErrNotOpen blocks bidding on an RFQ that is not open.
	ErrNotOpen = errors.New("rfq: rfq is not open for bids")
	// ErrDeadlinePassed blocks bids after the deadline.
	ErrDeadlinePassed = errors.New("rfq: bid deadline has passed")
	// ErrNoBids blocks closing an RFQ that received no bids.
	ErrNoBids = errors.New("rfq: no bids received")
	// ErrBidNotFound indicates the selected winning bid does not belong
	// to the RFQ.
	ErrBidNotFound = errors.New("rfq: bid not found for this rfq")
)
