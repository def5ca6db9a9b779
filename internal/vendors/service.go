package vendors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// TxStore exposes vendor row operations inside one atomic unit of work.
type TxStore interface {
	GetVendor(ctx context.Context, id int64) (Vendor, error)
	SetStatusReason(ctx context.Context, id int64, reason string) error
}

// Stores widens workflow.Stores with the vendor store.
type Stores interface {
	workflow.Stores
	Vendors() TxStore
}

func vendorStore(tx workflow.Stores) (TxStore, error) {
	s, ok := tx.(Stores)
	if !ok {
		return nil, fmt.Errorf("vendors: store %T does not expose vendors", tx)
	}
	return s.Vendors(), nil
}

// Store provides the unit of work plus pool-level operations.
type Store interface {
	workflow.UnitOfWork
	CreateVendor(ctx context.Context, vendor Vendor) (Vendor, error)
	UpdateVendor(ctx context.Context, vendor Vendor) (Vendor, error)
	GetVendor(ctx context.Context, id int64) (Vendor, error)
	ListVendors(ctx context.Context, status workflow.Status, limit, offset int) ([]Vendor, int64, error)
}

// Service owns the vendor lifecycle.
type Service struct {
	store  Store
	engine *workflow.Engine
	logger *slog.Logger
}

// NewService constructs the service and its workflow engine.
func NewService(store Store, sink shared.EventSink, logger *slog.Logger) (*Service, error) {
	s := &Service{store: store, logger: logger}
	engine, err := workflow.New(workflow.Config{
		UnitOfWork: store,
		Tables:     []workflow.Table{workflow.VendorTable()},
		Guards: map[workflow.Guard]workflow.GuardFunc{
			workflow.GuardVendorDocsComplete: s.guardDocsComplete,
			workflow.GuardReasonProvided:     s.guardReasonProvided,
		},
		Effects: map[workflow.Effect]workflow.EffectFunc{
			workflow.EffectRecordReason: s.effectRecordReason,
		},
		Sink:   sink,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// CreateVendorInput describes a draft vendor record.
type CreateVendorInput struct {
	Code               string
	Name               string
	TaxID              string
	ContactEmail       string
	BankAccount        string
	RegistrationDocRef string
	TaxDocRef          string
	BankProofRef       string
	CreatedBy          int64
}

// Create persists a draft vendor.
func (s *Service) Create(ctx context.Context, input CreateVendorInput) (Vendor, error) {
	if input.Name == "" {
		return Vendor{}, ErrValidation
	}
	if input.Code == "" {
		input.Code = generateCode()
	}
	return s.store.CreateVendor(ctx, Vendor{
		Code:               input.Code,
		Name:               input.Name,
		TaxID:              input.TaxID,
		ContactEmail:       input.ContactEmail,
		BankAccount:        input.BankAccount,
		RegistrationDocRef: input.RegistrationDocRef,
		TaxDocRef:          input.TaxDocRef,
		BankProofRef:       input.BankProofRef,
		Status:             workflow.VendorDraft,
		CreatedBy:          input.CreatedBy,
	})
}

// Update amends a draft vendor's details and document refs.
func (s *Service) Update(ctx context.Context, vendor Vendor) (Vendor, error) {
	current, err := s.store.GetVendor(ctx, vendor.ID)
	if err != nil {
		return Vendor{}, err
	}
	if current.Status != workflow.VendorDraft {
		return Vendor{}, ErrNotDraft
	}
	vendor.Version = current.Version
	return s.store.UpdateVendor(ctx, vendor)
}

// Transition applies a lifecycle action: submit, activate, return_draft,
// block, unblock, suspend, reinstate.
func (s *Service) Transition(ctx context.Context, vendorID, actorID int64, action workflow.Action, reason string) (workflow.Result, error) {
	return s.engine.Apply(ctx, shared.EntityRef{Type: shared.EntityVendor, ID: vendorID}, action, actorID, workflow.Input{Reason: reason})
}

// Get returns a vendor by id.
func (s *Service) Get(ctx context.Context, id int64) (Vendor, error) {
	return s.store.GetVendor(ctx, id)
}

// List returns vendors filtered by status.
func (s *Service) List(ctx context.Context, status workflow.Status, limit, offset int) ([]Vendor, int64, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListVendors(ctx, status, limit, offset)
}

func (s *Service) guardDocsComplete(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := vendorStore(tx)
	if err != nil {
		return err
	}
	vendor, err := store.GetVendor(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	if !vendor.DocsComplete() {
		return ErrDocsIncomplete
	}
	return nil
}

func (s *Service) guardReasonProvided(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	if req.Input.Reason == "" {
		return ErrReasonRequired
	}
	return nil
}

func (s *Service) effectRecordReason(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := vendorStore(tx)
	if err != nil {
		return err
	}
	return store.SetStatusReason(ctx, req.Entity.ID, req.Input.Reason)
}

func generateCode() string {
	return fmt.Sprintf("VEN-%d", time.Now().UnixNano())
}
