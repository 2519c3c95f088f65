package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

// CallLog persists terminal call records in Scylla, partitioned by campaign
// and day bucket.
type CallLog struct {
	session *gocql.Session
}

// NewCallLog creates a new call log store.
func NewCallLog(session *gocql.Session) *CallLog {
	return &CallLog{session: session}
}

// AppendRecord inserts one terminal record. Records are immutable; a retry
// of the same contact produces a new row with a new session token.
func (s *CallLog) AppendRecord(ctx context.Context, record domain.CallRecord) error {
	bucket := bucketDate(record.EndedAt)
	durationMs := int64(record.Duration / time.Millisecond)

	if err := s.session.Query(`INSERT INTO call_records_by_campaign (
			campaign_id, bucket, session_token, contact_id, phone_number, outcome,
			attempt, hangup_cause, machine_detected, digits, started_at, ended_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.CampaignID.String(), bucket, record.SessionToken, record.ContactID.String(),
		record.PhoneNumber, string(record.Outcome), record.Attempt, record.HangupCause,
		record.MachineDetected, record.Digits, record.StartedAt, record.EndedAt, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call log: insert record: %w", err)
	}

	return nil
}

// ListByCampaign pages through records for a campaign.
func (s *CallLog) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallRecord, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT bucket, session_token, contact_id, phone_number, outcome,
			attempt, hangup_cause, machine_detected, digits, started_at, ended_at, duration_ms
		FROM call_records_by_campaign WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	records := make([]domain.CallRecord, 0, limit)

	var (
		bucket       time.Time
		token        string
		contactIDStr string
		phone        string
		outcome      string
		attempt      int
		cause        string
		machine      bool
		digits       string
		started      time.Time
		ended        time.Time
		durationMs   int64
	)

	for iter.Scan(&bucket, &token, &contactIDStr, &phone, &outcome, &attempt, &cause, &machine, &digits, &started, &ended, &durationMs) {
		contactID, err := uuid.Parse(contactIDStr)
		if err != nil {
			continue
		}

		records = append(records, domain.CallRecord{
			SessionToken:    token,
			CampaignID:      campaignID,
			ContactID:       contactID,
			PhoneNumber:     phone,
			Outcome:         domain.CallOutcome(outcome),
			Attempt:         attempt,
			HangupCause:     cause,
			MachineDetected: machine,
			Digits:          digits,
			StartedAt:       started,
			EndedAt:         ended,
			Duration:        time.Duration(durationMs) * time.Millisecond,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("call log: iter close: %w", err)
	}

	return records, iter.PageState(), nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
