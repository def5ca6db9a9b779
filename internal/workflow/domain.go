package workflow

import (
	"fmt"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/shared"
)

// Status is a workflow document status. The per-type enumerations below
// are closed; no component may set a status outside its table.
type Status string

// Purchase request statuses.
const (
	RequestDraft     Status = "DRAFT"
	RequestPending   Status = "PENDING"
	RequestApproved  Status = "APPROVED"
	RequestRejected  Status = "REJECTED"
	RequestCancelled Status = "CANCELLED"
)

// Purchase order statuses.
const (
	OrderDraft              Status = "DRAFT"
	OrderIssued             Status = "ISSUED"
	OrderAcknowledged       Status = "ACKNOWLEDGED"
	OrderPartiallyFulfilled Status = "PARTIALLY_FULFILLED"
	OrderFulfilled          Status = "FULFILLED"
	OrderClosed             Status = "CLOSED"
	OrderCancelled          Status = "CANCELLED"
)

// Invoice statuses.
const (
	InvoiceUploaded  Status = "UPLOADED"
	InvoiceMatched   Status = "MATCHED"
	InvoiceException Status = "EXCEPTION"
	InvoiceDisputed  Status = "DISPUTED"
	InvoiceApproved  Status = "APPROVED"
	InvoicePaid      Status = "PAID"
)

// Vendor statuses.
const (
	VendorDraft         Status = "DRAFT"
	VendorPendingReview Status = "PENDING_REVIEW"
	VendorActive        Status = "ACTIVE"
	VendorBlocked       Status = "BLOCKED"
	VendorSuspended     Status = "SUSPENDED"
)

// RFQ statuses.
const (
	RFQDraft     Status = "DRAFT"
	RFQOpen      Status = "OPEN"
	RFQClosed    Status = "CLOSED"
	RFQAwarded   Status = "AWARDED"
	RFQCancelled Status = "CANCELLED"
)

// Action names a transition trigger.
type Action string

const (
	ActionSubmit      Action = "submit"
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionCancel      Action = "cancel"
	ActionEscalate    Action = "escalate"
	ActionIssue       Action = "issue"
	ActionAcknowledge Action = "acknowledge"
	ActionReceive     Action = "receive"
	ActionFulfill     Action = "fulfill"
	ActionClose       Action = "close"
	ActionMatch       Action = "match"
	ActionFlag        Action = "flag_exception"
	ActionOverride    Action = "override"
	ActionDispute     Action = "dispute"
	ActionPay         Action = "pay"
	ActionActivate    Action = "activate"
	ActionReturnDraft Action = "return_draft"
	ActionBlock       Action = "block"
	ActionUnblock     Action = "unblock"
	ActionSuspend     Action = "suspend"
	ActionReinstate   Action = "reinstate"
	ActionOpen        Action = "open"
	ActionAward       Action = "award"
)

// Guard is a closed enumeration of transition predicates. Each is bound
// to a concrete predicate function when the engine is built; referencing
// an unbound guard fails construction, not dispatch.
type Guard uint8

const (
	GuardHasLineItems Guard = iota + 1
	GuardTotalMatchesLines
	GuardNoOrderIssued
	GuardSourceRequestApproved
	GuardVendorActive
	GuardBudgetReserved
	GuardMatchClean
	GuardElevatedRole
	GuardReasonProvided
	GuardVendorDocsComplete
	GuardAllInvoicesPaid
	GuardHasBids
	GuardWinningBidSelected
)

// Effect is a closed enumeration of transition side effects, bound like
// guards. Effects run after all guards pass, in declared order, inside
// the transition's transaction; any failure rolls the transition back.
type Effect uint8

const (
	EffectReserveBudget Effect = iota + 1
	EffectBuildApprovalChain
	EffectAdvanceApproval
	EffectRejectApproval
	EffectEscalateApproval
	EffectReleaseBudget
	EffectCommitSpend
	EffectCreateOrderFromRequest
	EffectRebindReservationToOrder
	EffectStoreMatchResult
	EffectRecordOverride
	EffectRecordReason
	EffectCreateOrderFromBid
	EffectBuildInvoiceChain
	EffectMarkInvoicePaid
	EffectVoidApprovals
)

// Transition declares one legal edge of a table.
type Transition struct {
	Action  Action
	From    []Status
	To      Status
	Guards  []Guard
	Effects []Effect
}

// Table holds the transitions for one entity type.
type Table struct {
	Entity      shared.EntityType
	Transitions []Transition
}

// EntityRecord is the engine's view of a document: enough to gate
// transitions and drive ledger and approval effects.
type EntityRecord struct {
	Ref         shared.EntityRef
	Status      Status
	Version     int64
	SubmitterID int64
	Amount      int64
	BudgetKey   budget.Key
	VendorID    int64
}

// Input carries the caller-supplied payload of a transition request.
type Input struct {
	// Level targets an approval chain step for approve/reject/escalate.
	Level int
	// Reason accompanies overrides, blocks, suspensions, disputes.
	Reason string
	// Note is free text recorded with approval decisions.
	Note string
	// WinningBidID selects the bid on an RFQ award.
	WinningBidID int64
}

// Request is one transition execution in flight. Guards and effects
// receive it after the record has been loaded and the target transition
// resolved.
type Request struct {
	Entity  shared.EntityRef
	Action  Action
	ActorID int64
	Input   Input

	Record     EntityRecord
	Transition Transition

	// To is the status that will be written when the transition commits.
	// It starts as Transition.To; an approval effect narrows it when an
	// intermediate chain level keeps the document where it is.
	To Status
	// ChainOutcome is set by the approval effects so later effects in
	// the same transition can see whether the chain completed.
	ChainOutcome *approval.Outcome
}

// Result reports a committed transition.
type Result struct {
	Entity shared.EntityRef
	From   Status
	To     Status
}

// InvalidTransitionError reports an action with no legal edge from the
// current status. Nothing is mutated.
type InvalidTransitionError struct {
	Entity shared.EntityRef
	Status Status
	Action Action
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow: %s cannot %s from %s", e.Entity, e.Action, e.Status)
}
