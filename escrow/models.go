package escrow

import "time"

// Status represents the lifecycle of an escrow record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFunded    Status = "funded"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
)

// Record mirrors the escrows table. The amount is fixed at creation and the
// row is never deleted; all mutation goes through Service transitions.
type Record struct {
	ID          string
	Title       string
	Description string
	Amount      float64
	Status      Status
	BuyerID     string
	SellerID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Milestones  []Milestone
}

// Milestone is an informational subdivision of the escrow scope. Milestones
// do not hold funds; release marks all of them complete together with the
// escrow itself.
type Milestone struct {
	ID          string
	EscrowID    string
	Title       string
	Description string
	Amount      float64
	IsCompleted bool
}

// CreateParams contains caller-supplied data for a new escrow. The seller is
// addressed by email and resolved inside the create transaction.
type CreateParams struct {
	BuyerID     string
	SellerEmail string
	Title       string
	Description string
	Amount      float64
	Milestones  []MilestoneParams
}

// MilestoneParams is the write shape for a milestone created with its escrow.
type MilestoneParams struct {
	Title       string
	Description string
	Amount      float64
}

// Dashboard aggregates the read model shown to a signed-in user. All four
// numbers come from a single database snapshot.
type Dashboard struct {
	Balance                float64
	ActiveCount            int
	CompletedCount         int
	PendingMilestonesCount int
}
