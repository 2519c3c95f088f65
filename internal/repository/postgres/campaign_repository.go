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

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, description, status, scheduled_start, scheduled_stop,
	is_recurring, recurrence_expr, time_zone, max_concurrent_calls, calls_per_minute,
	retry_attempts, retry_delay_sec, work_time_start, work_time_end, work_days,
	dtmf_outcomes, created_at, updated_at`

// GetByID fetches a campaign by id.
func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	row := r.db.QueryRowxContext(ctx, q, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign, err := record.toDomain()
	if err != nil {
		return nil, err
	}
	return campaign, nil
}

// ListScheduled returns campaigns with any scheduling configuration that can
// still run.
func (r *CampaignRepository) ListScheduled(ctx context.Context) ([]*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status NOT IN ('completed', 'cancelled')
		  AND (is_recurring OR scheduled_start IS NOT NULL OR scheduled_stop IS NOT NULL)
		ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list scheduled: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	return results, nil
}

// Update updates campaign metadata and pacing.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	workDays, err := json.Marshal(campaign.WorkDays)
	if err != nil {
		return fmt.Errorf("campaign repo: marshal work days: %w", err)
	}
	outcomes, err := json.Marshal(campaign.DTMFOutcomes)
	if err != nil {
		return fmt.Errorf("campaign repo: marshal dtmf outcomes: %w", err)
	}

	q := `UPDATE campaigns SET
		name = :name,
		description = :description,
		status = :status,
		scheduled_start = :scheduled_start,
		scheduled_stop = :scheduled_stop,
		is_recurring = :is_recurring,
		recurrence_expr = :recurrence_expr,
		time_zone = :time_zone,
		max_concurrent_calls = :max_concurrent_calls,
		calls_per_minute = :calls_per_minute,
		retry_attempts = :retry_attempts,
		retry_delay_sec = :retry_delay_sec,
		work_time_start = :work_time_start,
		work_time_end = :work_time_end,
		work_days = :work_days,
		dtmf_outcomes = :dtmf_outcomes,
		updated_at = :updated_at
	 WHERE id = :id`

	params := map[string]any{
		"id":                   campaign.ID,
		"name":                 campaign.Name,
		"description":          campaign.Description,
		"status":               campaign.Status,
		"scheduled_start":      campaign.ScheduledStart,
		"scheduled_stop":       campaign.ScheduledStop,
		"is_recurring":         campaign.IsRecurring,
		"recurrence_expr":      campaign.RecurrenceExpr,
		"time_zone":            campaign.TimeZone,
		"max_concurrent_calls": campaign.MaxConcurrentCalls,
		"calls_per_minute":     campaign.CallsPerMinute,
		"retry_attempts":       campaign.RetryAttempts,
		"retry_delay_sec":      int64(campaign.RetryDelay / time.Second),
		"work_time_start":      campaign.WorkTimeStart,
		"work_time_end":        campaign.WorkTimeEnd,
		"work_days":            workDays,
		"dtmf_outcomes":        outcomes,
		"updated_at":           time.Now().UTC(),
	}

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStatus updates campaign status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID                 uuid.UUID      `db:"id"`
	Name               string         `db:"name"`
	Description        sql.NullString `db:"description"`
	Status             string         `db:"status"`
	ScheduledStart     sql.NullTime   `db:"scheduled_start"`
	ScheduledStop      sql.NullTime   `db:"scheduled_stop"`
	IsRecurring        bool           `db:"is_recurring"`
	RecurrenceExpr     sql.NullString `db:"recurrence_expr"`
	TimeZone           string         `db:"time_zone"`
	MaxConcurrentCalls int            `db:"max_concurrent_calls"`
	CallsPerMinute     int            `db:"calls_per_minute"`
	RetryAttempts      int            `db:"retry_attempts"`
	RetryDelaySec      int64          `db:"retry_delay_sec"`
	WorkTimeStart      int            `db:"work_time_start"`
	WorkTimeEnd        int            `db:"work_time_end"`
	WorkDays           []byte         `db:"work_days"`
	DTMFOutcomes       []byte         `db:"dtmf_outcomes"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	UpdatedAt          sql.NullTime   `db:"updated_at"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description.String,
		Status:             domain.CampaignStatus(r.Status),
		IsRecurring:        r.IsRecurring,
		RecurrenceExpr:     r.RecurrenceExpr.String,
		TimeZone:           r.TimeZone,
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		CallsPerMinute:     r.CallsPerMinute,
		RetryAttempts:      r.RetryAttempts,
		RetryDelay:         time.Duration(r.RetryDelaySec) * time.Second,
		WorkTimeStart:      r.WorkTimeStart,
		WorkTimeEnd:        r.WorkTimeEnd,
		CreatedAt:          r.CreatedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
	}

	if r.ScheduledStart.Valid {
		t := r.ScheduledStart.Time
		campaign.ScheduledStart = &t
	}
	if r.ScheduledStop.Valid {
		t := r.ScheduledStop.Time
		campaign.ScheduledStop = &t
	}

	if len(r.WorkDays) > 0 {
		if err := json.Unmarshal(r.WorkDays, &campaign.WorkDays); err != nil {
			return nil, fmt.Errorf("campaign repo: unmarshal work days: %w", err)
		}
	}
	if len(r.DTMFOutcomes) > 0 {
		if err := json.Unmarshal(r.DTMFOutcomes, &campaign.DTMFOutcomes); err != nil {
			return nil, fmt.Errorf("campaign repo: unmarshal dtmf outcomes: %w", err)
		}
	}

	return campaign, nil
}
