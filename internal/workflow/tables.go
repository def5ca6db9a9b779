package workflow

import "github.com/procura-erp/procura/internal/shared"

// RequestTable declares the purchase request lifecycle.
func RequestTable() Table {
	return Table{
		Entity: shared.EntityRequest,
		Transitions: []Transition{
			{
				Action:  ActionSubmit,
				From:    []Status{RequestDraft},
				To:      RequestPending,
				Guards:  []Guard{GuardHasLineItems, GuardTotalMatchesLines},
				Effects: []Effect{EffectReserveBudget, EffectBuildApprovalChain},
			},
			{
				Action:  ActionApprove,
				From:    []Status{RequestPending},
				To:      RequestApproved,
				Effects: []Effect{EffectAdvanceApproval, EffectCreateOrderFromRequest},
			},
			{
				Action:  ActionReject,
				From:    []Status{RequestPending},
				To:      RequestRejected,
				Effects: []Effect{EffectRejectApproval, EffectReleaseBudget},
			},
			{
				Action:  ActionEscalate,
				From:    []Status{RequestPending},
				To:      RequestPending,
				Effects: []Effect{EffectEscalateApproval},
			},
			{
				Action:  ActionCancel,
				From:    []Status{RequestDraft},
				To:      RequestCancelled,
			},
			{
				Action:  ActionCancel,
				From:    []Status{RequestPending},
				To:      RequestCancelled,
				Effects: []Effect{EffectVoidApprovals, EffectReleaseBudget},
			},
			{
				Action:  ActionCancel,
				From:    []Status{RequestApproved},
				To:      RequestCancelled,
				Guards:  []Guard{GuardNoOrderIssued},
				Effects: []Effect{EffectReleaseBudget},
			},
		},
	}
}

// OrderTable declares the purchase order lifecycle.
func OrderTable() Table {
	return Table{
		Entity: shared.EntityOrder,
		Transitions: []Transition{
			{
				Action:  ActionIssue,
				From:    []Status{OrderDraft},
				To:      OrderIssued,
				Guards:  []Guard{GuardSourceRequestApproved, GuardVendorActive, GuardBudgetReserved},
				Effects: []Effect{EffectRebindReservationToOrder},
			},
			{
				Action: ActionAcknowledge,
				From:   []Status{OrderIssued},
				To:     OrderAcknowledged,
			},
			{
				Action: ActionReceive,
				From:   []Status{OrderAcknowledged, OrderPartiallyFulfilled},
				To:     OrderPartiallyFulfilled,
			},
			{
				Action: ActionFulfill,
				From:   []Status{OrderAcknowledged, OrderPartiallyFulfilled},
				To:     OrderFulfilled,
			},
			{
				Action:  ActionClose,
				From:    []Status{OrderFulfilled},
				To:      OrderClosed,
				Guards:  []Guard{GuardAllInvoicesPaid},
				Effects: []Effect{EffectCommitSpend},
			},
			{
				Action:  ActionCancel,
				From:    []Status{OrderDraft, OrderIssued, OrderAcknowledged, OrderPartiallyFulfilled},
				To:      OrderCancelled,
				Effects: []Effect{EffectReleaseBudget},
			},
		},
	}
}

// InvoiceTable declares the invoice lifecycle. Match and flag_exception
// are the automated outcomes of the reconciliation engine.
func InvoiceTable() Table {
	return Table{
		Entity: shared.EntityInvoice,
		Transitions: []Transition{
			{
				Action:  ActionMatch,
				From:    []Status{InvoiceUploaded},
				To:      InvoiceMatched,
				Guards:  []Guard{GuardMatchClean},
				Effects: []Effect{EffectStoreMatchResult, EffectBuildInvoiceChain},
			},
			{
				Action:  ActionFlag,
				From:    []Status{InvoiceUploaded},
				To:      InvoiceException,
				Effects: []Effect{EffectStoreMatchResult},
			},
			{
				Action:  ActionOverride,
				From:    []Status{InvoiceException},
				To:      InvoiceMatched,
				Guards:  []Guard{GuardElevatedRole, GuardReasonProvided},
				Effects: []Effect{EffectRecordOverride, EffectBuildInvoiceChain},
			},
			{
				Action: ActionDispute,
				From:   []Status{InvoiceException},
				To:     InvoiceDisputed,
				Guards: []Guard{GuardReasonProvided},
			},
			{
				Action:  ActionApprove,
				From:    []Status{InvoiceMatched},
				To:      InvoiceApproved,
				Effects: []Effect{EffectAdvanceApproval},
			},
			{
				Action:  ActionEscalate,
				From:    []Status{InvoiceMatched},
				To:      InvoiceMatched,
				Effects: []Effect{EffectEscalateApproval},
			},
			{
				Action:  ActionPay,
				From:    []Status{InvoiceApproved},
				To:      InvoicePaid,
				Effects: []Effect{EffectMarkInvoicePaid},
			},
		},
	}
}

// VendorTable declares the vendor lifecycle.
func VendorTable() Table {
	return Table{
		Entity: shared.EntityVendor,
		Transitions: []Transition{
			{
				Action: ActionSubmit,
				From:   []Status{VendorDraft},
				To:     VendorPendingReview,
			},
			{
				Action: ActionActivate,
				From:   []Status{VendorPendingReview},
				To:     VendorActive,
				Guards: []Guard{GuardVendorDocsComplete},
			},
			{
				Action: ActionReturnDraft,
				From:   []Status{VendorPendingReview},
				To:     VendorDraft,
				Guards: []Guard{GuardReasonProvided},
			},
			{
				Action:  ActionBlock,
				From:    []Status{VendorActive},
				To:      VendorBlocked,
				Guards:  []Guard{GuardReasonProvided},
				Effects: []Effect{EffectRecordReason},
			},
			{
				Action: ActionUnblock,
				From:   []Status{VendorBlocked},
				To:     VendorActive,
			},
			{
				Action:  ActionSuspend,
				From:    []Status{VendorActive},
				To:      VendorSuspended,
				Guards:  []Guard{GuardReasonProvided},
				Effects: []Effect{EffectRecordReason},
			},
			{
				Action: ActionReinstate,
				From:   []Status{VendorSuspended},
				To:     VendorActive,
			},
		},
	}
}

// RFQTable declares the RFQ lifecycle. Awarding creates an order from
// the winning bid, bypassing the request-sourced issue guard.
func RFQTable() Table {
	return Table{
		Entity: shared.EntityRFQ,
		Transitions: []Transition{
			{
				Action: ActionOpen,
				From:   []Status{RFQDraft},
				To:     RFQOpen,
			},
			{
				Action: ActionClose,
				From:   []Status{RFQOpen},
				To:     RFQClosed,
				Guards: []Guard{GuardHasBids},
			},
			{
				Action:  ActionAward,
				From:    []Status{RFQClosed},
				To:      RFQAwarded,
				Guards:  []Guard{GuardWinningBidSelected},
				Effects: []Effect{EffectCreateOrderFromBid},
			},
			{
				Action: ActionCancel,
				From:   []Status{RFQDraft, RFQOpen},
				To:     RFQCancelled,
			},
		},
	}
}

// AllTables returns the five entity tables in one slice.
func AllTables() []Table {
	return []Table{RequestTable(), OrderTable(), InvoiceTable(), VendorTable(), RFQTable()}
}
