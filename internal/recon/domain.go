package recon

// Code enumerates reconciliation exception types.
type Code string

const (
	// CodeNoReceipt means the order has no confirmed receipt at all;
	// line-level checks do not run.
	CodeNoReceipt Code = "NO_RECEIPT"
	// CodeQtyMismatch means the invoiced quantity differs from the
	// quantity available to invoice. Quantity tolerance is zero.
	CodeQtyMismatch Code = "QTY_MISMATCH"
	// CodePriceVariance means the invoice unit price falls outside the
	// tolerance band around the ordered unit price.
	CodePriceVariance Code = "PRICE_VARIANCE"
	// CodeMissingInvoiceLine means an order line the invoice should
	// cover has no invoice line.
	CodeMissingInvoiceLine Code = "MISSING_INVOICE_LINE"
	// CodeMissingPOLine means an invoice line has no order counterpart.
	CodeMissingPOLine Code = "MISSING_PO_LINE"
	// CodeLowConfidenceMatch means the pairing fell back to normalized
	// description text because the invoice line carried no line ref.
	CodeLowConfidenceMatch Code = "LOW_CONFIDENCE_MATCH"
)

// Exception is one structured mismatch. It is a business outcome
// attached to the invoice, not an error.
type Exception struct {
	Code          Code    `json:"code"`
	OrderLineNo   int     `json:"order_line_no,omitempty"`
	InvoiceLineNo int     `json:"invoice_line_no,omitempty"`
	Ordered       int64   `json:"ordered,omitempty"`
	Received      int64   `json:"received,omitempty"`
	Invoiced      int64   `json:"invoiced,omitempty"`
	OrderedPrice  int64   `json:"ordered_price,omitempty"`
	InvoicePrice  int64   `json:"invoice_price,omitempty"`
	VariancePct   float64 `json:"variance_pct,omitempty"`
	ToleranceUsed int64   `json:"tolerance_used,omitempty"`
	Detail        string  `json:"detail,omitempty"`
}

// Verdict is the three-way match result. Matched iff Exceptions is empty.
type Verdict struct {
	Matched    bool        `json:"matched"`
	Exceptions []Exception `json:"exceptions,omitempty"`
}

// Tolerance configures the price band. Effective tolerance per line is
// max(MinAbs, orderedUnitPrice * PctBps / 10000), in minor units.
type Tolerance struct {
	PctBps int64
	MinAbs int64
}

// OrderLine is an order line as the engine sees it.
type OrderLine struct {
	LineNo      int
	Description string
	Qty         int64
	UnitPrice   int64
}

// ReceiptLine is one confirmed receipt line referencing an order line.
type ReceiptLine struct {
	OrderLineNo int
	Qty         int64
}

// InvoiceLine is an invoice line. OrderLineNo zero means the line carried
// no explicit ref and pairing falls back to description text.
type InvoiceLine struct {
	LineNo      int
	OrderLineNo int
	Description string
	Qty         int64
	UnitPrice   int64
}
