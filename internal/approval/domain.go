package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/shared"
)

// Status enumerates approval row states.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusTimedOut Status = "TIMED_OUT"
	StatusVoid     Status = "VOID"
)

// Approval is one step of an entity's approval chain. Levels are
// contiguous starting at 1; exactly one approval at the lowest
// uncompleted level may be PENDING at any time.
type Approval struct {
	ID         int64
	Entity     shared.EntityRef
	Level      int
	Role       identity.Role
	ApproverID *int64
	Status     Status
	DecidedBy  *int64
	DecidedAt  *time.Time
	Note       string
	CreatedAt  time.Time
}

// ChainStep is one computed step of a chain before persistence.
type ChainStep struct {
	Level      int
	Role       identity.Role
	ApproverID *int64
}

// DecisionAction enumerates what a caller can do to the current step.
type DecisionAction string

const (
	ActionApprove  DecisionAction = "APPROVE"
	ActionReject   DecisionAction = "REJECT"
	ActionEscalate DecisionAction = "ESCALATE"
)

// Decision carries one advance request. Level must name the current
// minimum PENDING level or the advance fails with ErrOutOfSequence.
type Decision struct {
	Action  DecisionAction
	Level   int
	ActorID int64
	Note    string
}

// Outcome reports what an advance did.
type Outcome struct {
	// Final is true when the last level was approved.
	Final bool
	// Rejected is true when the chain was rejected; remaining levels were
	// voided in the same transaction.
	Rejected bool
	// Exhausted is true when an escalation timed out the last level.
	Exhausted bool
	// Next is the newly current step, nil when the chain ended.
	Next *Approval
}

// UnassignedApproverError reports a step whose role resolved to nobody.
// The chain stalls there pending administrative assignment.
type UnassignedApproverError struct {
	Entity shared.EntityRef
	Level  int
	Role   identity.Role
}

func (e UnassignedApproverError) Error() string {
	return fmt.Sprintf("approval: level %d (%s) of %s has no assigned approver", e.Level, e.Role, e.Entity)
}

var (
	// ErrSelfApproval occurs when the actor is the submitter. Checked
	// before any state mutation.
	ErrSelfApproval = errors.New("approval: self approval forbidden")
	// ErrNotCurrentApprover occurs when the actor is not the resolved
	// approver for the current step.
	ErrNotCurrentApprover = errors.New("approval: actor is not the current approver")
	// ErrOutOfSequence occurs when the decision targets a level other
	// than the minimum PENDING level.
	ErrOutOfSequence = errors.New("approval: decision out of sequence")
	// ErrNoPendingApproval occurs when no chain step is pending.
	ErrNoPendingApproval = errors.New("approval: no pending approval")
)
