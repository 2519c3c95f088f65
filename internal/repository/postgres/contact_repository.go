package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

// ContactRepository implements repository.ContactRepository using PostgreSQL.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// SelectEligible returns contacts ready to dial: pending, or failed with a
// due retry and attempts left under the campaign budget. SKIP LOCKED only
// steps around rows locked by concurrent writers for the duration of this
// statement; each campaign is driven by a single engine, which is what
// keeps two dialers from picking the same contact.
func (r *ContactRepository) SelectEligible(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.Contact, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := `SELECT ct.id, ct.campaign_id, ct.phone_number, ct.status, ct.call_attempts,
		ct.next_call_at, ct.time_zone, ct.payload, ct.created_at, ct.updated_at
	FROM contacts ct
	JOIN campaigns c ON c.id = ct.campaign_id
	WHERE ct.campaign_id = $1
	  AND (ct.status = 'pending'
	    OR (ct.status = 'failed'
	        AND ct.next_call_at <= now()
	        AND ct.call_attempts < c.retry_attempts + 1))
	ORDER BY ct.next_call_at ASC NULLS FIRST, ct.created_at ASC
	LIMIT $2
	FOR UPDATE OF ct SKIP LOCKED`

	rows, err := r.db.QueryxContext(ctx, q, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("contact repo: select eligible: %w", err)
	}
	defer rows.Close()

	var results []domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contact repo: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact repo: rows err: %w", err)
	}

	return results, nil
}

// MarkStatus transitions a contact. The attempt counter increments when the
// contact enters calling, so one dial equals one counted attempt.
func (r *ContactRepository) MarkStatus(ctx context.Context, contactID uuid.UUID, status domain.ContactStatus, nextCallAt *time.Time) error {
	q := `UPDATE contacts SET
		status = $2,
		next_call_at = $3,
		call_attempts = call_attempts + (CASE WHEN $2 = 'calling' THEN 1 ELSE 0 END),
		updated_at = now()
	WHERE id = $1`

	res, err := r.db.ExecContext(ctx, q, contactID, status, nextCallAt)
	if err != nil {
		return fmt.Errorf("contact repo: mark status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("contact repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// BulkInsert loads a batch of contacts into a campaign.
func (r *ContactRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := `INSERT INTO contacts (
			id, campaign_id, phone_number, status, call_attempts, next_call_at,
			time_zone, payload, created_at, updated_at
		) VALUES (
			:id, :campaign_id, :phone_number, :status, :call_attempts, :next_call_at,
			:time_zone, :payload, :created_at, :updated_at
		) ON CONFLICT (id) DO NOTHING`

		now := time.Now().UTC()
		rows := make([]map[string]any, 0, len(contacts))
		for _, ct := range contacts {
			payload, err := json.Marshal(ct.Payload)
			if err != nil {
				return fmt.Errorf("contact repo: marshal payload: %w", err)
			}
			status := ct.Status
			if status == "" {
				status = domain.ContactStatusPending
			}
			rows = append(rows, map[string]any{
				"id":            ct.ID,
				"campaign_id":   campaignID,
				"phone_number":  ct.PhoneNumber,
				"status":        status,
				"call_attempts": ct.CallAttempts,
				"next_call_at":  ct.NextCallAt,
				"time_zone":     ct.TimeZone,
				"payload":       payload,
				"created_at":    now,
				"updated_at":    now,
			})
		}

		if _, err := tx.NamedExecContext(ctx, q, rows); err != nil {
			return fmt.Errorf("contact repo: bulk insert: %w", err)
		}
		return nil
	})
}

// CountRemaining counts contacts that are not yet finished with dialing.
func (r *ContactRepository) CountRemaining(ctx context.Context, campaignID uuid.UUID) (int, error) {
	q := `SELECT count(*)
	FROM contacts ct
	JOIN campaigns c ON c.id = ct.campaign_id
	WHERE ct.campaign_id = $1
	  AND (ct.status IN ('pending', 'calling')
	    OR (ct.status = 'failed' AND ct.call_attempts < c.retry_attempts + 1))`

	var count int
	if err := r.db.GetContext(ctx, &count, q, campaignID); err != nil {
		return 0, fmt.Errorf("contact repo: count remaining: %w", err)
	}
	return count, nil
}

type contactRecord struct {
	ID           uuid.UUID      `db:"id"`
	CampaignID   uuid.UUID      `db:"campaign_id"`
	PhoneNumber  string         `db:"phone_number"`
	Status       string         `db:"status"`
	CallAttempts int            `db:"call_attempts"`
	NextCallAt   sql.NullTime   `db:"next_call_at"`
	TimeZone     sql.NullString `db:"time_zone"`
	Payload      []byte         `db:"payload"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r contactRecord) toDomain() domain.Contact {
	var payload map[string]any
	_ = json.Unmarshal(r.Payload, &payload)

	contact := domain.Contact{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		PhoneNumber:  r.PhoneNumber,
		Status:       domain.ContactStatus(r.Status),
		CallAttempts: r.CallAttempts,
		TimeZone:     r.TimeZone.String,
		Payload:      payload,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.NextCallAt.Valid {
		t := r.NextCallAt.Time
		contact.NextCallAt = &t
	}
	return contact
}
