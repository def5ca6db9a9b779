package vendors

import (
	"errors"
	"time"

	"github.com/procura-erp/procura/internal/workflow"
)

// Vendor is a supplier master record. Activation requires the compliance
// document set to be complete; blocked and suspended vendors cannot
// receive new orders.
type Vendor struct {
	ID           int64
	Code         string
	Name         string
	TaxID        string
	ContactEmail string
	BankAccount  string
	// Compliance documents required before activation.
	RegistrationDocRef string
	TaxDocRef          string
	BankProofRef       string
	Status             workflow.Status
	Version            int64
	StatusReason       *string
	CreatedBy          int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DocsComplete reports whether all compliance documents are on file.
func (v Vendor) DocsComplete() bool {
	return v.RegistrationDocRef != "" && v.TaxDocRef != "" && v.BankProofRef != ""
}

var (
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("vendors: invalid input")
	// ErrDocsIncomplete blocks activating a vendor with missing
	// compliance documents.
	ErrDocsIncomplete = errors.New("vendors: compliance documents incomplete")
	// ErrNotDraft blocks editing a vendor outside draft.
	ErrNotDraft = errors.New("vendors: vendor is not in draft")
	// ErrReasonRequired occurs when a block, suspend or return lacks a
	// reason.
	ErrReasonRequired = errors.New("vendors: a reason is required")
)
