package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Workspace is the tenant boundary. Every entity and membership belongs to
// exactly one workspace.
type Workspace struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership associates a user with a workspace and a role. One row per
// (user, workspace) pair.
type Membership struct {
	ID          string
	WorkspaceID string
	UserID      string
	Role        string
	CreatedAt   time.Time
	// Joined fields for API responses
	UserName  string
	UserEmail string
}

// WorkspaceWithRole is a workspace joined with the caller's role in it.
type WorkspaceWithRole struct {
	Workspace
	Role string
}

type Invitation struct {
	ID          string
	WorkspaceID string
	Email       string
	Role        string
	InviterID   string
	Token       string
	Status      string
	ExpiresAt   time.Time
	AcceptedBy  *string
	CreatedAt   time.Time
}

const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationRevoked  = "revoked"
)

type Pillar struct {
	ID          string
	WorkspaceID string
	Name        string
	Status      string
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Narrative struct {
	ID          string
	WorkspaceID string
	PillarID    string
	Title       string
	Body        string
	Status      string
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Commitment struct {
	ID          string
	WorkspaceID string
	NarrativeID string
	Title       string
	Status      string
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Task struct {
	ID           string
	WorkspaceID  string
	CommitmentID string
	Title        string
	Status       string
	DueAt        *time.Time
	OwnerID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Plan describes a billing plan's seat limits. -1 means unlimited seats.
type Plan struct {
	ID          string
	Name        string
	EditorSeats int
	ViewerSeats int
	PriceCents  int
	Interval    string
}

type Subscription struct {
	ID                     string
	WorkspaceID            string
	PlanID                 string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	Status                 string
	CurrentPeriodEnd       *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SeatCounts summarizes occupied seats per gated role, including pending
// invitations (a pending invite reserves a seat).
type SeatCounts struct {
	Editors int
	Viewers int
}
