package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// ListScheduled returns campaigns carrying any scheduling configuration
	// that are not terminally completed or cancelled.
	ListScheduled(ctx context.Context) ([]*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error
}

// ContactRepository is the contact-selection collaborator.
type ContactRepository interface {
	// SelectEligible returns up to limit contacts that are pending, or
	// failed with a due retry and remaining attempt budget.
	SelectEligible(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.Contact, error)
	// MarkStatus transitions a contact. A transition to calling counts as
	// the start of one attempt.
	MarkStatus(ctx context.Context, contactID uuid.UUID, status domain.ContactStatus, nextCallAt *time.Time) error
	// BulkInsert loads contacts into a campaign.
	BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) error
	// CountRemaining counts contacts that still have dialing work ahead of
	// them: pending, mid-call, or failed with attempt budget left.
	CountRemaining(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// CallLogStore persists terminal records of dialing attempts.
type CallLogStore interface {
	AppendRecord(ctx context.Context, record domain.CallRecord) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallRecord, []byte, error)
}
