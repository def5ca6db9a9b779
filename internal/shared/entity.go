package shared

import "fmt"

// EntityType enumerates the workflow document types.
type EntityType string

const (
	EntityRequest EntityType = "REQUEST"
	EntityOrder   EntityType = "ORDER"
	EntityInvoice EntityType = "INVOICE"
	EntityVendor  EntityType = "VENDOR"
	EntityRFQ     EntityType = "RFQ"
)

// EntityRef identifies a workflow document by type and id. It is the owner
// key for budget reservations and approval chains.
type EntityRef struct {
	Type EntityType
	ID   int64
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.ID)
}

// IsZero reports whether the ref is unset.
func (r EntityRef) IsZero() bool {
	return r.Type == "" || r.ID == 0
}
