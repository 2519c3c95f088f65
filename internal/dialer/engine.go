package dialer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/telephony"
	"github.com/acme/outbound-dialer/internal/workwin"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Notifier publishes call lifecycle notifications downstream.
type Notifier interface {
	Publish(ctx context.Context, msg queue.Notification) error
}

// Engine paces outbound dialing for active campaigns. Each active campaign
// runs its own admission loop; a single event loop consumes the adapter
// stream and drives per-call session state.
type Engine struct {
	cfg       config.DialerConfig
	log       *logger.Logger
	campaigns repository.CampaignRepository
	contacts  repository.ContactRepository
	callLog   repository.CallLogStore
	adapter   telephony.Adapter
	notifier  Notifier
	rate      RateBudget

	mu       sync.Mutex
	runs     map[uuid.UUID]*campaignRun
	sessions *sessionTable

	now func() time.Time
}

type campaignRun struct {
	cancel  context.CancelFunc
	ticking atomic.Bool
}

// NewEngine constructs the dialer engine.
func NewEngine(
	cfg config.DialerConfig,
	log *logger.Logger,
	campaigns repository.CampaignRepository,
	contacts repository.ContactRepository,
	callLog repository.CallLogStore,
	adapter telephony.Adapter,
	notifier Notifier,
	rate RateBudget,
) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = time.Hour
	}
	return &Engine{
		cfg:       cfg,
		log:       log,
		campaigns: campaigns,
		contacts:  contacts,
		callLog:   callLog,
		adapter:   adapter,
		notifier:  notifier,
		rate:      rate,
		runs:      make(map[uuid.UUID]*campaignRun),
		sessions:  newSessionTable(),
		now:       time.Now,
	}
}

// StartCampaign activates a campaign and begins its admission loop. Starting
// an already active campaign is a no-op. The run is published with its cancel
// func already armed, so a racing stop can always tear it down.
func (e *Engine) StartCampaign(ctx context.Context, campaignID uuid.UUID) error {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &campaignRun{cancel: cancel}

	e.mu.Lock()
	if _, ok := e.runs[campaignID]; ok {
		e.mu.Unlock()
		cancel()
		e.log.Warn("campaign already active", zap.String("campaign_id", campaignID.String()))
		return nil
	}
	e.runs[campaignID] = run
	e.mu.Unlock()

	campaign, err := e.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		e.dropRun(campaignID, run)
		return apperrors.Wrap(err, "start campaign")
	}

	// A stop may have raced in while the repository round-trip ran; it owns
	// the campaign status then, so back out without touching anything.
	if !e.registered(campaignID, run) {
		e.log.Warn("campaign stopped while starting", zap.String("campaign_id", campaignID.String()))
		return nil
	}

	if err := e.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStatusActive); err != nil {
		e.dropRun(campaignID, run)
		return apperrors.Wrap(err, "mark campaign active")
	}
	e.notifyCampaign(ctx, campaignID, domain.CampaignStatusActive)

	e.log.Info("campaign started",
		zap.String("campaign_id", campaignID.String()),
		zap.String("name", campaign.Name))

	go e.loop(runCtx, campaignID)
	return nil
}

// StopCampaign pauses a campaign's admission loop. Calls already in flight
// run to their natural end. Stopping an inactive campaign is a no-op.
func (e *Engine) StopCampaign(ctx context.Context, campaignID uuid.UUID) error {
	e.mu.Lock()
	run, ok := e.runs[campaignID]
	if ok {
		delete(e.runs, campaignID)
	}
	e.mu.Unlock()

	if !ok {
		e.log.Warn("campaign not active", zap.String("campaign_id", campaignID.String()))
		return nil
	}
	if run.cancel != nil {
		run.cancel()
	}

	if err := e.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStatusPaused); err != nil {
		return apperrors.Wrap(err, "mark campaign paused")
	}
	e.notifyCampaign(ctx, campaignID, domain.CampaignStatusPaused)

	e.log.Info("campaign stopped", zap.String("campaign_id", campaignID.String()))
	return nil
}

// Run consumes the adapter event stream until ctx is cancelled or the
// stream closes. It must run exactly once per engine.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.adapter.Events():
			if !ok {
				return nil
			}
			e.handleEvent(ctx, ev)
		}
	}
}

// Shutdown cancels all admission loops without touching campaign status, so
// a restarted process resumes where it left off.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, run := range e.runs {
		if run.cancel != nil {
			run.cancel()
		}
		delete(e.runs, id)
	}
}

// ActiveCampaigns lists campaigns with a running admission loop.
func (e *Engine) ActiveCampaigns() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// InFlight reports the number of live call sessions, optionally scoped to
// one campaign.
func (e *Engine) InFlight(campaignID uuid.UUID) int {
	if campaignID == uuid.Nil {
		return e.sessions.Len()
	}
	return e.sessions.CountByCampaign(campaignID)
}

func (e *Engine) loop(ctx context.Context, campaignID uuid.UUID) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.tick(ctx, campaignID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			_, ok := e.runs[campaignID]
			e.mu.Unlock()
			if !ok {
				return
			}
			e.tick(ctx, campaignID)
		}
	}
}

func (e *Engine) tick(ctx context.Context, campaignID uuid.UUID) {
	e.mu.Lock()
	run := e.runs[campaignID]
	e.mu.Unlock()
	if run == nil {
		return
	}
	if !run.ticking.CompareAndSwap(false, true) {
		e.log.Debug("previous tick still running", zap.String("campaign_id", campaignID.String()))
		return
	}
	defer run.ticking.Store(false)

	tracer := otel.Tracer("outbound.dialer")
	ctx, span := tracer.Start(ctx, "dialer.tick", trace.WithAttributes(
		attribute.String("campaign.id", campaignID.String()),
	))
	defer span.End()

	if e.adapter.State() != telephony.StateConnected {
		e.log.Warn("telephony adapter not connected, skipping tick",
			zap.String("campaign_id", campaignID.String()),
			zap.String("adapter_state", string(e.adapter.State())))
		return
	}

	campaign, err := e.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		e.log.Error("load campaign", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if campaign.Status != domain.CampaignStatusActive {
		return
	}

	now := e.now()
	e.reapStale(ctx, campaign, now)

	inFlight := e.sessions.CountByCampaign(campaignID)
	maxConcurrent := campaign.MaxConcurrentCalls
	if maxConcurrent <= 0 {
		maxConcurrent = e.cfg.DefaultMaxConcurrent
	}
	slots := maxConcurrent - inFlight
	span.SetAttributes(attribute.Int("calls.in_flight", inFlight), attribute.Int("calls.slots", slots))
	if slots <= 0 {
		return
	}

	working, err := e.inWindow(campaign, campaign.TimeZone, now)
	if err != nil {
		span.RecordError(err)
		e.log.Error("working window check", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if !working {
		e.log.Debug("outside working window", zap.String("campaign_id", campaignID.String()))
		return
	}

	eligible, err := e.contacts.SelectEligible(ctx, campaignID, slots)
	if err != nil {
		span.RecordError(err)
		e.log.Error("select eligible contacts", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Int("contacts.selected", len(eligible)))

	if len(eligible) == 0 {
		if inFlight == 0 {
			e.maybeComplete(ctx, campaignID)
		}
		return
	}

	// Contacts asleep in their own time zone are dropped before any rate
	// permits are reserved. A window skip must not burn budget.
	candidates := eligible[:0]
	for _, contact := range eligible {
		if contact.TimeZone != "" && contact.TimeZone != campaign.TimeZone {
			working, err := e.inWindow(campaign, contact.TimeZone, now)
			if err != nil {
				e.log.Warn("contact time zone check",
					zap.String("contact_id", contact.ID.String()),
					zap.String("time_zone", contact.TimeZone),
					zap.Error(err))
				continue
			}
			if !working {
				continue
			}
		}
		candidates = append(candidates, contact)
	}
	if len(candidates) == 0 {
		return
	}

	perMinute := campaign.CallsPerMinute
	if perMinute <= 0 {
		perMinute = e.cfg.DefaultCallsPerMinute
	}
	budget, err := e.rate.Reserve(ctx, campaignID, perMinute, len(candidates))
	if err != nil {
		span.RecordError(err)
		e.log.Error("reserve rate budget", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if budget <= 0 {
		e.log.Debug("rate budget exhausted", zap.String("campaign_id", campaignID.String()))
		return
	}
	if budget > len(candidates) {
		budget = len(candidates)
	}

	for _, contact := range candidates[:budget] {
		e.dialContact(ctx, campaign, contact, now)
	}
}

// reapStale finalizes calls whose hangup never arrived, whether the event was
// lost or the connection dropped mid-call. Left alone such a session would pin
// its concurrency slot and keep the contact stuck in calling forever.
func (e *Engine) reapStale(ctx context.Context, campaign *domain.Campaign, now time.Time) {
	for _, sess := range e.sessions.TakeExpired(campaign.ID, now.Add(-e.cfg.MaxCallDuration)) {
		e.log.Warn("reaping stale call session",
			zap.String("session_token", sess.Token),
			zap.String("contact_id", sess.ContactID.String()),
			zap.Time("started_at", sess.StartedAt))
		sess.State = domain.SessionFailed
		e.finalize(ctx, campaign, sess, domain.OutcomeFailed, "no hangup received")
	}
}

// dialContact moves one contact into calling and originates the call. Any
// failure puts the contact back where it was so another tick can retry.
func (e *Engine) dialContact(ctx context.Context, campaign *domain.Campaign, contact domain.Contact, now time.Time) {
	prevStatus := contact.Status
	if err := e.contacts.MarkStatus(ctx, contact.ID, domain.ContactStatusCalling, nil); err != nil {
		e.log.Error("mark contact calling", zap.String("contact_id", contact.ID.String()), zap.Error(err))
		return
	}
	attempt := contact.CallAttempts + 1

	token, err := e.adapter.MakeCall(ctx, contact.PhoneNumber, campaign.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrDial) {
			// The PBX rejected the originate, so the attempt counts.
			e.log.Warn("originate rejected",
				zap.String("contact_id", contact.ID.String()),
				zap.String("phone", contact.PhoneNumber),
				zap.Error(err))
			sess := &session{
				Token:       uuid.NewString(),
				CampaignID:  campaign.ID,
				ContactID:   contact.ID,
				PhoneNumber: contact.PhoneNumber,
				Attempt:     attempt,
				State:       domain.SessionFailed,
				StartedAt:   now,
			}
			e.finalize(ctx, campaign, sess, domain.OutcomeFailed, "originate rejected")
			return
		}
		// Transport trouble, not a verdict on this contact. Put it back.
		e.log.Error("originate failed",
			zap.String("contact_id", contact.ID.String()),
			zap.Error(err))
		if revertErr := e.contacts.MarkStatus(ctx, contact.ID, prevStatus, contact.NextCallAt); revertErr != nil {
			e.log.Error("revert contact status", zap.String("contact_id", contact.ID.String()), zap.Error(revertErr))
		}
		return
	}

	e.sessions.Add(&session{
		Token:       token,
		CampaignID:  campaign.ID,
		ContactID:   contact.ID,
		PhoneNumber: contact.PhoneNumber,
		Attempt:     attempt,
		State:       domain.SessionQueued,
		StartedAt:   now,
	})

	e.notify(ctx, queue.Notification{
		Type:         queue.NotifyCallStarted,
		CampaignID:   campaign.ID,
		ContactID:    contact.ID,
		SessionToken: token,
		PhoneNumber:  contact.PhoneNumber,
		Attempt:      attempt,
	})
}

func (e *Engine) handleEvent(ctx context.Context, ev telephony.Event) {
	switch ev.Type {
	case telephony.EventConnected:
		e.log.Info("telephony adapter connected")
		return
	case telephony.EventError:
		if errors.Is(ev.Err, apperrors.ErrFatalAdapter) {
			e.log.Error("telephony adapter gave up reconnecting", zap.Error(ev.Err))
		} else {
			e.log.Error("telephony adapter error", zap.Error(ev.Err))
		}
		return
	}

	sess := e.sessions.Get(ev.SessionToken)
	if sess == nil {
		e.log.Debug("event for unknown session", zap.String("session_token", ev.SessionToken))
		return
	}

	switch ev.Type {
	case telephony.EventCallCreated:
		if sess.State == domain.SessionQueued {
			sess.State = domain.SessionDialing
		}
	case telephony.EventCallRinging:
		sess.State = domain.SessionRinging
	case telephony.EventCallAnswered:
		sess.State = domain.SessionAnswered
	case telephony.EventCallAMD:
		if ev.MachineDetected {
			sess.MachineDetected = true
			sess.State = domain.SessionMachineDetected
		} else {
			sess.State = domain.SessionHumanDetected
		}
	case telephony.EventCallDTMF:
		sess.Digits += ev.Digit
		sess.State = domain.SessionDTMFCollected
		e.notify(ctx, queue.Notification{
			Type:         queue.NotifyCallDTMF,
			CampaignID:   sess.CampaignID,
			ContactID:    sess.ContactID,
			SessionToken: sess.Token,
			PhoneNumber:  sess.PhoneNumber,
			Digit:        ev.Digit,
			Attempt:      sess.Attempt,
		})
	case telephony.EventCallHangup:
		e.sessions.Remove(sess.Token)
		outcome := classifyOutcome(sess.State, ev.HangupCause)
		campaign, err := e.campaigns.GetByID(ctx, sess.CampaignID)
		if err != nil {
			e.log.Error("load campaign for hangup",
				zap.String("campaign_id", sess.CampaignID.String()),
				zap.Error(err))
			return
		}
		e.finalize(ctx, campaign, sess, outcome, ev.HangupCause)
	}
}

// finalize records the terminal verdict of one attempt: contact status,
// retry scheduling, call log, and the downstream notification.
func (e *Engine) finalize(ctx context.Context, campaign *domain.Campaign, sess *session, outcome domain.CallOutcome, hangupCause string) {
	now := e.now()

	status := domain.ContactStatusCompleted
	var nextCallAt *time.Time

	if forced, ok := forcedStatus(campaign, sess.Digits); ok {
		status = forced
	} else if outcome.Retryable() {
		maxAttempts := campaign.RetryAttempts + 1
		if sess.Attempt < maxAttempts {
			next := now.Add(campaign.RetryDelay)
			status = domain.ContactStatusFailed
			nextCallAt = &next
		} else {
			status = domain.ContactStatusCompleted
		}
	}

	if err := e.contacts.MarkStatus(ctx, sess.ContactID, status, nextCallAt); err != nil {
		e.log.Error("finalize contact status",
			zap.String("contact_id", sess.ContactID.String()),
			zap.Error(err))
	}

	record := domain.CallRecord{
		SessionToken:    sess.Token,
		CampaignID:      sess.CampaignID,
		ContactID:       sess.ContactID,
		PhoneNumber:     sess.PhoneNumber,
		Outcome:         outcome,
		Attempt:         sess.Attempt,
		HangupCause:     hangupCause,
		MachineDetected: sess.MachineDetected,
		Digits:          sess.Digits,
		StartedAt:       sess.StartedAt,
		EndedAt:         now,
		Duration:        now.Sub(sess.StartedAt),
	}
	if err := e.callLog.AppendRecord(ctx, record); err != nil {
		e.log.Error("append call record", zap.String("session_token", sess.Token), zap.Error(err))
	}

	notifType := queue.NotifyCallCompleted
	if outcome != domain.OutcomeAnswered {
		notifType = queue.NotifyCallFailed
	}
	e.notify(ctx, queue.Notification{
		Type:            notifType,
		CampaignID:      sess.CampaignID,
		ContactID:       sess.ContactID,
		SessionToken:    sess.Token,
		PhoneNumber:     sess.PhoneNumber,
		Outcome:         string(outcome),
		Attempt:         sess.Attempt,
		MachineDetected: sess.MachineDetected,
	})

	e.log.Info("call finished",
		zap.String("session_token", sess.Token),
		zap.String("campaign_id", sess.CampaignID.String()),
		zap.String("outcome", string(outcome)),
		zap.Int("attempt", sess.Attempt),
		zap.String("contact_status", string(status)))
}

// maybeComplete ends the campaign when nothing remains to dial.
func (e *Engine) maybeComplete(ctx context.Context, campaignID uuid.UUID) {
	remaining, err := e.contacts.CountRemaining(ctx, campaignID)
	if err != nil {
		e.log.Error("count remaining contacts", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if remaining > 0 {
		return
	}

	e.mu.Lock()
	run, ok := e.runs[campaignID]
	if ok {
		delete(e.runs, campaignID)
	}
	e.mu.Unlock()
	if ok && run.cancel != nil {
		run.cancel()
	}

	if err := e.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStatusCompleted); err != nil {
		e.log.Error("mark campaign completed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	e.notifyCampaign(ctx, campaignID, domain.CampaignStatusCompleted)
	e.log.Info("campaign completed", zap.String("campaign_id", campaignID.String()))
}

func (e *Engine) inWindow(campaign *domain.Campaign, tz string, at time.Time) (bool, error) {
	if len(campaign.WorkDays) == 0 && campaign.WorkTimeStart == 0 && campaign.WorkTimeEnd == 0 {
		return true, nil
	}
	return workwin.IsWorkingTime(campaign.WorkDays, campaign.WorkTimeStart, campaign.WorkTimeEnd, tz, at)
}

// dropRun removes the run only if it is still the registered one, so a
// racing stop that already replaced or removed it is left alone.
func (e *Engine) dropRun(campaignID uuid.UUID, run *campaignRun) {
	e.mu.Lock()
	if e.runs[campaignID] == run {
		delete(e.runs, campaignID)
	}
	e.mu.Unlock()
	if run.cancel != nil {
		run.cancel()
	}
}

func (e *Engine) registered(campaignID uuid.UUID, run *campaignRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[campaignID] == run
}

func (e *Engine) notify(ctx context.Context, msg queue.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, msg); err != nil {
		e.log.Warn("publish notification", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (e *Engine) notifyCampaign(ctx context.Context, campaignID uuid.UUID, status domain.CampaignStatus) {
	e.notify(ctx, queue.Notification{
		Type:           queue.NotifyCampaignUpdated,
		CampaignID:     campaignID,
		CampaignStatus: string(status),
	})
}

// forcedStatus applies the campaign's digit rules to collected DTMF input.
// The first mapped digit wins.
func forcedStatus(campaign *domain.Campaign, digits string) (domain.ContactStatus, bool) {
	if len(campaign.DTMFOutcomes) == 0 {
		return "", false
	}
	for _, d := range digits {
		if status, ok := campaign.DTMFOutcomes[string(d)]; ok {
			return status, true
		}
	}
	return "", false
}

// classifyOutcome maps the pre-hangup session state and Q.850 cause code to
// an attempt outcome.
func classifyOutcome(state domain.SessionState, cause string) domain.CallOutcome {
	switch state {
	case domain.SessionAnswered, domain.SessionMachineDetected,
		domain.SessionHumanDetected, domain.SessionDTMFCollected:
		return domain.OutcomeAnswered
	}

	switch cause {
	case "17":
		return domain.OutcomeBusy
	case "16", "18", "19":
		return domain.OutcomeNoAnswer
	default:
		return domain.OutcomeFailed
	}
}
