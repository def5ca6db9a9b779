package recon

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Match runs the three-way comparison of one invoice against its order
// and the order's confirmed receipts. priorInvoiced carries, per order
// line number, quantities already invoiced on other invoices for the
// order, so partial invoicing across multiple invoices is supported.
//
// The function is pure and its output ordering is deterministic, so
// running it twice over unchanged inputs yields identical exception
// lists.
func Match(orderLines []OrderLine, receiptLines []ReceiptLine, invoiceLines []InvoiceLine, priorInvoiced map[int]int64, tol Tolerance) Verdict {
	if len(receiptLines) == 0 {
		return Verdict{Exceptions: []Exception{{
			Code:   CodeNoReceipt,
			Detail: "order has no confirmed receipt",
		}}}
	}

	received := make(map[int]int64, len(orderLines))
	for _, rl := range receiptLines {
		received[rl.OrderLineNo] += rl.Qty
	}

	byLineNo := make(map[int]OrderLine, len(orderLines))
	for _, ol := range orderLines {
		byLineNo[ol.LineNo] = ol
	}

	paired, exceptions := pairLines(orderLines, invoiceLines, byLineNo)

	covered := make(map[int]bool, len(paired))
	for _, p := range paired {
		covered[p.order.LineNo] = true
		exceptions = append(exceptions, checkLine(p, received[p.order.LineNo], priorInvoiced[p.order.LineNo], tol)...)
	}

	for _, ol := range orderLines {
		if covered[ol.LineNo] {
			continue
		}
		available := minInt64(received[ol.LineNo], ol.Qty) - priorInvoiced[ol.LineNo]
		if available <= 0 {
			// Nothing left to invoice on this line; its absence from the
			// invoice is expected.
			continue
		}
		exceptions = append(exceptions, Exception{
			Code:        CodeMissingInvoiceLine,
			OrderLineNo: ol.LineNo,
			Ordered:     ol.Qty,
			Received:    received[ol.LineNo],
			Detail:      fmt.Sprintf("order line %d has %d units awaiting invoice", ol.LineNo, available),
		})
	}

	sort.SliceStable(exceptions, func(i, j int) bool {
		a, b := exceptions[i], exceptions[j]
		if a.OrderLineNo != b.OrderLineNo {
			return a.OrderLineNo < b.OrderLineNo
		}
		if a.InvoiceLineNo != b.InvoiceLineNo {
			return a.InvoiceLineNo < b.InvoiceLineNo
		}
		return a.Code < b.Code
	})
	return Verdict{Matched: len(exceptions) == 0, Exceptions: exceptions}
}

type pairedLine struct {
	order   OrderLine
	invoice InvoiceLine
}

// pairLines keys invoice lines to order lines by explicit line number.
// Lines without a ref fall back to normalized description text; that
// pairing is flagged low confidence, and ambiguity yields MISSING_PO_LINE.
func pairLines(orderLines []OrderLine, invoiceLines []InvoiceLine, byLineNo map[int]OrderLine) ([]pairedLine, []Exception) {
	var (
		paired     []pairedLine
		exceptions []Exception
	)
	byDesc := make(map[string][]OrderLine, len(orderLines))
	for _, ol := range orderLines {
		key := normalizeDescription(ol.Description)
		byDesc[key] = append(byDesc[key], ol)
	}
	for _, il := range invoiceLines {
		if il.OrderLineNo != 0 {
			ol, ok := byLineNo[il.OrderLineNo]
			if !ok {
				exceptions = append(exceptions, Exception{
					Code:          CodeMissingPOLine,
					InvoiceLineNo: il.LineNo,
					Detail:        fmt.Sprintf("invoice line %d references unknown order line %d", il.LineNo, il.OrderLineNo),
				})
				continue
			}
			paired = append(paired, pairedLine{order: ol, invoice: il})
			continue
		}
		candidates := byDesc[normalizeDescription(il.Description)]
		if len(candidates) != 1 {
			exceptions = append(exceptions, Exception{
				Code:          CodeMissingPOLine,
				InvoiceLineNo: il.LineNo,
				Detail:        fmt.Sprintf("invoice line %d has no order counterpart (%d description candidates)", il.LineNo, len(candidates)),
			})
			continue
		}
		paired = append(paired, pairedLine{order: candidates[0], invoice: il})
		exceptions = append(exceptions, Exception{
			Code:          CodeLowConfidenceMatch,
			OrderLineNo:   candidates[0].LineNo,
			InvoiceLineNo: il.LineNo,
			Detail:        "paired by description text, no line reference on invoice",
		})
	}
	return paired, exceptions
}

// checkLine applies the quantity and price checks to one paired line.
func checkLine(p pairedLine, received, prior int64, tol Tolerance) []Exception {
	var exceptions []Exception

	available := minInt64(received, p.order.Qty) - prior
	if p.invoice.Qty != available {
		exceptions = append(exceptions, Exception{
			Code:        CodeQtyMismatch,
			OrderLineNo: p.order.LineNo,
			Ordered:     p.order.Qty,
			Received:    received,
			Invoiced:    prior + p.invoice.Qty,
			Detail:      fmt.Sprintf("invoiced %d, available to invoice %d", p.invoice.Qty, available),
		})
	}

	diff := p.invoice.UnitPrice - p.order.UnitPrice
	if diff < 0 {
		diff = -diff
	}
	allowed := tol.MinAbs
	if pct := p.order.UnitPrice * tol.PctBps / 10000; pct > allowed {
		allowed = pct
	}
	if diff > allowed {
		var variancePct float64
		if p.order.UnitPrice != 0 {
			variancePct = float64(diff) * 100 / float64(p.order.UnitPrice)
		}
		exceptions = append(exceptions, Exception{
			Code:          CodePriceVariance,
			OrderLineNo:   p.order.LineNo,
			InvoiceLineNo: p.invoice.LineNo,
			OrderedPrice:  p.order.UnitPrice,
			InvoicePrice:  p.invoice.UnitPrice,
			VariancePct:   variancePct,
			ToleranceUsed: allowed,
		})
	}
	return exceptions
}

var descCaser = cases.Fold()

// normalizeDescription folds case, applies NFKC normalization and
// collapses whitespace so minor wording drift still pairs.
func normalizeDescription(s string) string {
	folded := descCaser.String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(folded), " ")
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
