package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// DialerControl is the dialer surface the scheduler drives.
type DialerControl interface {
	StartCampaign(ctx context.Context, campaignID uuid.UUID) error
	StopCampaign(ctx context.Context, campaignID uuid.UUID) error
}

type jobType string

const (
	jobStart     jobType = "start"
	jobStop      jobType = "stop"
	jobRecurring jobType = "recurring"
)

type jobKey struct {
	CampaignID uuid.UUID
	Type       jobType
}

type job struct {
	key   jobKey
	runAt time.Time
	timer *time.Timer
	// sched is set for recurring jobs and drives rescheduling after a fire.
	sched cron.Schedule
	loc   *time.Location
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler turns campaign schedule definitions into start and stop triggers
// on the dialer. Each campaign holds at most one job per trigger type;
// rescheduling replaces atomically.
type Scheduler struct {
	log       *logger.Logger
	campaigns repository.CampaignRepository
	dialer    DialerControl

	mu   sync.Mutex
	jobs map[jobKey]*job

	now func() time.Time
}

// New constructs a scheduler.
func New(log *logger.Logger, campaigns repository.CampaignRepository, dialer DialerControl) *Scheduler {
	return &Scheduler{
		log:       log,
		campaigns: campaigns,
		dialer:    dialer,
		jobs:      make(map[jobKey]*job),
		now:       time.Now,
	}
}

// Start loads all scheduled campaigns and arms their jobs. Typically called
// once at process startup so schedules survive restarts.
func (s *Scheduler) Start(ctx context.Context) error {
	campaigns, err := s.campaigns.ListScheduled(ctx)
	if err != nil {
		return apperrors.Wrap(err, "load scheduled campaigns")
	}

	armed := 0
	for _, campaign := range campaigns {
		if err := s.Schedule(campaign); err != nil {
			s.log.Error("schedule campaign",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Error(err))
			continue
		}
		armed++
	}

	s.log.Info("scheduler started",
		zap.Int("campaigns", len(campaigns)),
		zap.Int("armed", armed))
	return nil
}

// Stop disarms every job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, key)
	}
}

// Schedule arms jobs for one campaign, replacing any previously armed ones.
// One-shot start and stop instants already in the past are dropped so a
// restart never re-fires a trigger that already ran.
func (s *Scheduler) Schedule(campaign *domain.Campaign) error {
	tz := campaign.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("%w: unknown time zone %q", apperrors.ErrValidation, tz)
	}

	var recurring cron.Schedule
	if campaign.IsRecurring {
		if campaign.RecurrenceExpr == "" {
			return fmt.Errorf("%w: recurring campaign without recurrence expression", apperrors.ErrValidation)
		}
		recurring, err = cronParser.Parse(campaign.RecurrenceExpr)
		if err != nil {
			return fmt.Errorf("%w: recurrence %q: %v", apperrors.ErrValidation, campaign.RecurrenceExpr, err)
		}
	}

	s.Unschedule(campaign.ID)

	now := s.now()

	if campaign.IsRecurring {
		next := recurring.Next(now.In(loc))
		if next.IsZero() {
			return fmt.Errorf("%w: recurrence %q never fires", apperrors.ErrValidation, campaign.RecurrenceExpr)
		}
		s.arm(&job{
			key:   jobKey{CampaignID: campaign.ID, Type: jobRecurring},
			runAt: next,
			sched: recurring,
			loc:   loc,
		})
	}

	// Start, stop and recurring triggers are independent; a recurring
	// campaign may still carry an absolute first start.
	if campaign.ScheduledStart != nil {
		if campaign.ScheduledStart.After(now) {
			s.arm(&job{
				key:   jobKey{CampaignID: campaign.ID, Type: jobStart},
				runAt: *campaign.ScheduledStart,
			})
		} else {
			s.log.Warn("dropping past start schedule",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Time("scheduled_start", *campaign.ScheduledStart))
		}
	}

	if campaign.ScheduledStop != nil {
		if campaign.ScheduledStop.After(now) {
			s.arm(&job{
				key:   jobKey{CampaignID: campaign.ID, Type: jobStop},
				runAt: *campaign.ScheduledStop,
			})
		} else {
			s.log.Warn("dropping past stop schedule",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Time("scheduled_stop", *campaign.ScheduledStop))
		}
	}

	return nil
}

// Unschedule disarms all jobs for a campaign. Safe to call for campaigns
// that have none.
func (s *Scheduler) Unschedule(campaignID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []jobType{jobStart, jobStop, jobRecurring} {
		key := jobKey{CampaignID: campaignID, Type: t}
		if j, ok := s.jobs[key]; ok {
			j.timer.Stop()
			delete(s.jobs, key)
		}
	}
}

// Jobs reports the currently armed job count.
func (s *Scheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) arm(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := j.runAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	j.timer = time.AfterFunc(delay, func() { s.fire(j.key) })
	s.jobs[j.key] = j

	s.log.Info("job armed",
		zap.String("campaign_id", j.key.CampaignID.String()),
		zap.String("type", string(j.key.Type)),
		zap.Time("run_at", j.runAt))
}

func (s *Scheduler) fire(key jobKey) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if ok {
		delete(s.jobs, key)
	}
	s.mu.Unlock()
	if !ok {
		// Disarmed between timer fire and lock acquisition.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tracer := otel.Tracer("outbound.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.fire", trace.WithAttributes(
		attribute.String("campaign.id", key.CampaignID.String()),
		attribute.String("trigger.type", string(key.Type)),
	))
	defer span.End()

	var err error
	switch key.Type {
	case jobStart, jobRecurring:
		err = s.dialer.StartCampaign(ctx, key.CampaignID)
	case jobStop:
		err = s.dialer.StopCampaign(ctx, key.CampaignID)
	}
	if err != nil {
		span.RecordError(err)
		s.log.Error("schedule trigger failed",
			zap.String("campaign_id", key.CampaignID.String()),
			zap.String("type", string(key.Type)),
			zap.Error(err))
	}

	if key.Type == jobRecurring {
		next := j.sched.Next(s.now().In(j.loc))
		if next.IsZero() {
			return
		}
		s.arm(&job{key: key, runAt: next, sched: j.sched, loc: j.loc})
	}
}
