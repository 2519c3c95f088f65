package dialer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

type fakeAdapter struct {
	mu      sync.Mutex
	state   telephony.ConnState
	events  chan telephony.Event
	dialed  []string
	tokens  []string
	dialErr error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{state: telephony.StateConnected, events: make(chan telephony.Event, 64)}
}

func (a *fakeAdapter) Connect(context.Context) error { return nil }
func (a *fakeAdapter) Disconnect() error             { return nil }

func (a *fakeAdapter) SendAction(context.Context, string, map[string]string) (telephony.Response, error) {
	return telephony.Response{Success: true}, nil
}

func (a *fakeAdapter) MakeCall(_ context.Context, phone string, _ uuid.UUID) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dialErr != nil {
		return "", a.dialErr
	}
	token := fmt.Sprintf("tok-%d", len(a.dialed))
	a.dialed = append(a.dialed, phone)
	a.tokens = append(a.tokens, token)
	return token, nil
}

func (a *fakeAdapter) HangupCall(context.Context, string) {}

func (a *fakeAdapter) Events() <-chan telephony.Event { return a.events }

func (a *fakeAdapter) State() telephony.ConnState { return a.state }

func (a *fakeAdapter) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dialed)
}

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
	statuses  []domain.CampaignStatus

	// getHook, when set, runs at the top of GetByID outside the lock.
	getHook func()
}

func newFakeCampaignRepo(items ...*domain.Campaign) *fakeCampaignRepo {
	r := &fakeCampaignRepo{campaigns: make(map[uuid.UUID]*domain.Campaign)}
	for _, c := range items {
		r.campaigns[c.ID] = c
	}
	return r
}

func (r *fakeCampaignRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	if r.getHook != nil {
		r.getHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *fakeCampaignRepo) ListScheduled(context.Context) ([]*domain.Campaign, error) {
	return nil, nil
}

func (r *fakeCampaignRepo) Update(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
	return nil
}

func (r *fakeCampaignRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.Status = status
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeCampaignRepo) status(id uuid.UUID) domain.CampaignStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaigns[id].Status
}

type fakeContactRepo struct {
	mu            sync.Mutex
	retryAttempts int
	contacts      []*domain.Contact
}

func (r *fakeContactRepo) SelectEligible(_ context.Context, campaignID uuid.UUID, limit int) ([]domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Contact
	for _, c := range r.contacts {
		if len(out) >= limit {
			break
		}
		if c.CampaignID != campaignID {
			continue
		}
		eligible := c.Status == domain.ContactStatusPending ||
			(c.Status == domain.ContactStatusFailed && c.CallAttempts < r.retryAttempts+1)
		if eligible {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *fakeContactRepo) MarkStatus(_ context.Context, contactID uuid.UUID, status domain.ContactStatus, nextCallAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.ID == contactID {
			if status == domain.ContactStatusCalling {
				c.CallAttempts++
			}
			c.Status = status
			c.NextCallAt = nextCallAt
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (r *fakeContactRepo) BulkInsert(_ context.Context, campaignID uuid.UUID, contacts []domain.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range contacts {
		c := contacts[i]
		c.CampaignID = campaignID
		r.contacts = append(r.contacts, &c)
	}
	return nil
}

func (r *fakeContactRepo) CountRemaining(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		switch c.Status {
		case domain.ContactStatusPending, domain.ContactStatusCalling:
			n++
		case domain.ContactStatusFailed:
			if c.CallAttempts < r.retryAttempts+1 {
				n++
			}
		}
	}
	return n, nil
}

func (r *fakeContactRepo) get(id uuid.UUID) domain.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.ID == id {
			return *c
		}
	}
	return domain.Contact{}
}

type fakeCallLog struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func (l *fakeCallLog) AppendRecord(_ context.Context, record domain.CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *fakeCallLog) ListByCampaign(context.Context, uuid.UUID, int, []byte) ([]domain.CallRecord, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.CallRecord(nil), l.records...), nil, nil
}

type fakeRate struct {
	mu       sync.Mutex
	grant    int
	reserves int
	wants    []int
}

func (f *fakeRate) Reserve(_ context.Context, _ uuid.UUID, _ int, want int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	f.wants = append(f.wants, want)
	if f.grant >= 0 && want > f.grant {
		return f.grant, nil
	}
	return want, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []queue.Notification
}

func (n *fakeNotifier) Publish(_ context.Context, msg queue.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *fakeNotifier) byType(t queue.NotificationType) []queue.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []queue.Notification
	for _, m := range n.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	engine   *Engine
	adapter  *fakeAdapter
	camps    *fakeCampaignRepo
	contacts *fakeContactRepo
	callLog  *fakeCallLog
	rate     *fakeRate
	notifier *fakeNotifier
}

func newHarness(campaign *domain.Campaign, contactCount int) *harness {
	adapter := newFakeAdapter()
	camps := newFakeCampaignRepo(campaign)
	contacts := &fakeContactRepo{retryAttempts: campaign.RetryAttempts}
	for i := 0; i < contactCount; i++ {
		contacts.contacts = append(contacts.contacts, &domain.Contact{
			ID:          uuid.New(),
			CampaignID:  campaign.ID,
			PhoneNumber: fmt.Sprintf("+1555010%04d", i),
			Status:      domain.ContactStatusPending,
		})
	}
	callLog := &fakeCallLog{}
	rate := &fakeRate{grant: -1}
	notifier := &fakeNotifier{}

	log := &logger.Logger{Logger: zap.NewNop()}
	cfg := config.DialerConfig{
		TickInterval:          time.Hour,
		DefaultMaxConcurrent:  10,
		DefaultCallsPerMinute: 100,
	}
	engine := NewEngine(cfg, log, camps, contacts, callLog, adapter, notifier, rate)

	return &harness{
		engine:   engine,
		adapter:  adapter,
		camps:    camps,
		contacts: contacts,
		callLog:  callLog,
		rate:     rate,
		notifier: notifier,
	}
}

// activate registers the run directly so ticks can be driven by hand.
func (h *harness) activate(campaignID uuid.UUID) {
	h.engine.mu.Lock()
	h.engine.runs[campaignID] = &campaignRun{}
	h.engine.mu.Unlock()
}

func testCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:                 uuid.New(),
		Name:               "survey",
		Status:             domain.CampaignStatusActive,
		TimeZone:           "UTC",
		MaxConcurrentCalls: 5,
		CallsPerMinute:     60,
		RetryAttempts:      2,
		RetryDelay:         5 * time.Minute,
	}
}

func TestTickDialsUpToConcurrencySlots(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 10)
	h.activate(campaign.ID)

	h.engine.tick(context.Background(), campaign.ID)

	if got := h.adapter.dialCount(); got != 5 {
		t.Fatalf("dialed %d contacts, want 5", got)
	}
	if got := h.engine.InFlight(campaign.ID); got != 5 {
		t.Fatalf("in flight %d, want 5", got)
	}
	if got := len(h.notifier.byType(queue.NotifyCallStarted)); got != 5 {
		t.Fatalf("call_started notifications %d, want 5", got)
	}

	// A second tick with all slots occupied must not dial again.
	h.engine.tick(context.Background(), campaign.ID)
	if got := h.adapter.dialCount(); got != 5 {
		t.Fatalf("dialed %d contacts after full tick, want 5", got)
	}
}

func TestConcurrentTicksNeverOverdial(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 50)
	h.activate(campaign.ID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.tick(context.Background(), campaign.ID)
		}()
	}
	wg.Wait()

	if got := h.engine.InFlight(campaign.ID); got > campaign.MaxConcurrentCalls {
		t.Fatalf("in flight %d exceeds max concurrent %d", got, campaign.MaxConcurrentCalls)
	}
	if got := h.adapter.dialCount(); got > campaign.MaxConcurrentCalls {
		t.Fatalf("dialed %d exceeds max concurrent %d", got, campaign.MaxConcurrentCalls)
	}
}

func TestTickHonorsRateBudget(t *testing.T) {
	campaign := testCampaign()
	campaign.MaxConcurrentCalls = 10
	h := newHarness(campaign, 10)
	h.rate.grant = 3
	h.activate(campaign.ID)

	h.engine.tick(context.Background(), campaign.ID)

	if got := h.adapter.dialCount(); got != 3 {
		t.Fatalf("dialed %d contacts, want 3", got)
	}
}

func TestTickOutsideWorkingWindow(t *testing.T) {
	campaign := testCampaign()
	campaign.WorkDays = []int{1, 2, 3, 4, 5}
	campaign.WorkTimeStart = 9 * 60
	campaign.WorkTimeEnd = 18 * 60
	h := newHarness(campaign, 5)
	h.activate(campaign.ID)

	// Saturday noon UTC.
	h.engine.now = func() time.Time {
		return time.Date(2024, time.January, 6, 12, 0, 0, 0, time.UTC)
	}

	h.engine.tick(context.Background(), campaign.ID)

	if got := h.adapter.dialCount(); got != 0 {
		t.Fatalf("dialed %d contacts outside window, want 0", got)
	}
	if h.rate.reserves != 0 {
		t.Fatalf("rate budget consumed outside working window")
	}
}

func TestContactWindowSkipBurnsNoBudget(t *testing.T) {
	campaign := testCampaign()
	campaign.WorkDays = []int{1, 2, 3, 4, 5}
	campaign.WorkTimeStart = 9 * 60
	campaign.WorkTimeEnd = 18 * 60
	h := newHarness(campaign, 1)
	// Monday noon UTC is 04:00 in Los Angeles, outside the window.
	h.contacts.contacts[0].TimeZone = "America/Los_Angeles"
	h.activate(campaign.ID)

	h.engine.now = func() time.Time {
		return time.Date(2024, time.January, 8, 12, 0, 0, 0, time.UTC)
	}

	h.engine.tick(context.Background(), campaign.ID)

	if got := h.adapter.dialCount(); got != 0 {
		t.Fatalf("dialed %d contacts in a closed contact window, want 0", got)
	}
	if h.rate.reserves != 0 {
		t.Fatalf("rate budget consumed for a contact window skip")
	}
}

func TestContactWindowFilteredBeforeReserve(t *testing.T) {
	campaign := testCampaign()
	campaign.WorkDays = []int{1, 2, 3, 4, 5}
	campaign.WorkTimeStart = 9 * 60
	campaign.WorkTimeEnd = 18 * 60
	h := newHarness(campaign, 2)
	h.contacts.contacts[0].TimeZone = "America/Los_Angeles"
	h.activate(campaign.ID)

	h.engine.now = func() time.Time {
		return time.Date(2024, time.January, 8, 12, 0, 0, 0, time.UTC)
	}

	h.engine.tick(context.Background(), campaign.ID)

	if got := h.adapter.dialCount(); got != 1 {
		t.Fatalf("dialed %d contacts, want 1", got)
	}
	h.rate.mu.Lock()
	wants := append([]int(nil), h.rate.wants...)
	h.rate.mu.Unlock()
	if len(wants) != 1 || wants[0] != 1 {
		t.Fatalf("reserved permits for %v contacts, want one reservation of 1", wants)
	}
}

func TestTickSkipsWhenAdapterDisconnected(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 5)
	h.adapter.state = telephony.StateReconnecting
	h.activate(campaign.ID)

	h.engine.tick(context.Background(), campaign.ID)

	if got := h.adapter.dialCount(); got != 0 {
		t.Fatalf("dialed %d contacts while disconnected, want 0", got)
	}
}

func TestOriginateTransportErrorRevertsContact(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 1)
	h.adapter.dialErr = apperrors.ErrConnection
	h.activate(campaign.ID)

	h.engine.tick(context.Background(), campaign.ID)

	contact := h.contacts.get(h.contacts.contacts[0].ID)
	if contact.Status != domain.ContactStatusPending {
		t.Fatalf("contact status %s, want pending", contact.Status)
	}
	if got := h.engine.InFlight(campaign.ID); got != 0 {
		t.Fatalf("in flight %d after transport failure, want 0", got)
	}
}

func TestOriginateRejectCountsAttempt(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 1)
	h.adapter.dialErr = fmt.Errorf("originate: %w", apperrors.ErrDial)
	h.activate(campaign.ID)

	h.engine.tick(context.Background(), campaign.ID)

	contact := h.contacts.get(h.contacts.contacts[0].ID)
	if contact.Status != domain.ContactStatusFailed {
		t.Fatalf("contact status %s, want failed", contact.Status)
	}
	if contact.CallAttempts != 1 {
		t.Fatalf("call attempts %d, want 1", contact.CallAttempts)
	}
	if len(h.callLog.records) != 1 || h.callLog.records[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("expected one failed call record, got %v", h.callLog.records)
	}
}

func TestBusyRetriesUntilBudgetExhausted(t *testing.T) {
	campaign := testCampaign()
	campaign.RetryAttempts = 2
	h := newHarness(campaign, 1)
	h.activate(campaign.ID)
	contactID := h.contacts.contacts[0].ID
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.engine.tick(ctx, campaign.ID)
		if got := h.adapter.dialCount(); got != i+1 {
			t.Fatalf("round %d: dialed %d, want %d", i, got, i+1)
		}
		token := h.adapter.tokens[i]
		h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallRinging, SessionToken: token})
		h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallHangup, SessionToken: token, HangupCause: "17"})
	}

	contact := h.contacts.get(contactID)
	if contact.CallAttempts != 3 {
		t.Fatalf("call attempts %d, want 3", contact.CallAttempts)
	}
	if contact.Status != domain.ContactStatusCompleted {
		t.Fatalf("contact status %s after exhausted retries, want completed", contact.Status)
	}

	// No attempt budget left, a further tick must not dial.
	h.engine.tick(ctx, campaign.ID)
	if got := h.adapter.dialCount(); got != 3 {
		t.Fatalf("dialed %d after exhaustion, want 3", got)
	}

	if got := len(h.callLog.records); got != 3 {
		t.Fatalf("call records %d, want 3", got)
	}
	for _, rec := range h.callLog.records {
		if rec.Outcome != domain.OutcomeBusy {
			t.Fatalf("record outcome %s, want busy", rec.Outcome)
		}
	}
}

func TestAnsweredCallCompletesContact(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 1)
	h.activate(campaign.ID)
	ctx := context.Background()

	h.engine.tick(ctx, campaign.ID)
	token := h.adapter.tokens[0]

	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallCreated, SessionToken: token})
	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallRinging, SessionToken: token})
	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallAnswered, SessionToken: token})
	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallHangup, SessionToken: token, HangupCause: "16"})

	contact := h.contacts.get(h.contacts.contacts[0].ID)
	if contact.Status != domain.ContactStatusCompleted {
		t.Fatalf("contact status %s, want completed", contact.Status)
	}
	if got := h.engine.InFlight(campaign.ID); got != 0 {
		t.Fatalf("in flight %d after hangup, want 0", got)
	}

	records := h.callLog.records
	if len(records) != 1 {
		t.Fatalf("call records %d, want 1", len(records))
	}
	if records[0].Outcome != domain.OutcomeAnswered {
		t.Fatalf("record outcome %s, want answered", records[0].Outcome)
	}
	if got := len(h.notifier.byType(queue.NotifyCallCompleted)); got != 1 {
		t.Fatalf("call_completed notifications %d, want 1", got)
	}
}

func TestDTMFOutcomeForcesContactStatus(t *testing.T) {
	campaign := testCampaign()
	campaign.DTMFOutcomes = map[string]domain.ContactStatus{"9": domain.ContactStatusDoNotCall}
	h := newHarness(campaign, 1)
	h.activate(campaign.ID)
	ctx := context.Background()

	h.engine.tick(ctx, campaign.ID)
	token := h.adapter.tokens[0]

	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallAnswered, SessionToken: token})
	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallDTMF, SessionToken: token, Digit: "9"})
	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallHangup, SessionToken: token, HangupCause: "16"})

	contact := h.contacts.get(h.contacts.contacts[0].ID)
	if contact.Status != domain.ContactStatusDoNotCall {
		t.Fatalf("contact status %s, want do_not_call", contact.Status)
	}
	if got := len(h.notifier.byType(queue.NotifyCallDTMF)); got != 1 {
		t.Fatalf("call_dtmf notifications %d, want 1", got)
	}
	if h.callLog.records[0].Digits != "9" {
		t.Fatalf("record digits %q, want 9", h.callLog.records[0].Digits)
	}
}

func TestMachineDetectionRecorded(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 1)
	h.activate(campaign.ID)
	ctx := context.Background()

	h.engine.tick(ctx, campaign.ID)
	token := h.adapter.tokens[0]

	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallAnswered, SessionToken: token})
	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallAMD, SessionToken: token, MachineDetected: true})
	h.engine.handleEvent(ctx, telephony.Event{Type: telephony.EventCallHangup, SessionToken: token, HangupCause: "16"})

	if len(h.callLog.records) != 1 || !h.callLog.records[0].MachineDetected {
		t.Fatalf("expected machine detection on call record, got %+v", h.callLog.records)
	}
}

func TestStartCampaignAlreadyActive(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 1)
	h.activate(campaign.ID)

	if err := h.engine.StartCampaign(context.Background(), campaign.ID); err != nil {
		t.Fatalf("start active campaign: %v", err)
	}
	if len(h.camps.statuses) != 0 {
		t.Fatalf("status transitions %v on duplicate start, want none", h.camps.statuses)
	}
}

func TestStopDuringStartLeavesCampaignStopped(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.camps.getHook = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		done <- h.engine.StartCampaign(context.Background(), campaign.ID)
	}()

	// StartCampaign has published the run and is blocked in the repository.
	<-entered
	if err := h.engine.StopCampaign(context.Background(), campaign.ID); err != nil {
		t.Fatalf("stop campaign: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("start campaign: %v", err)
	}

	if got := len(h.engine.ActiveCampaigns()); got != 0 {
		t.Fatalf("active campaigns = %d after stop won the race, want 0", got)
	}
	if got := h.camps.status(campaign.ID); got != domain.CampaignStatusPaused {
		t.Fatalf("campaign status = %q, want %q", got, domain.CampaignStatusPaused)
	}
	h.camps.mu.Lock()
	transitions := append([]domain.CampaignStatus(nil), h.camps.statuses...)
	h.camps.mu.Unlock()
	if len(transitions) != 1 || transitions[0] != domain.CampaignStatusPaused {
		t.Fatalf("status transitions = %v, want only %q", transitions, domain.CampaignStatusPaused)
	}
	if got := h.adapter.dialCount(); got != 0 {
		t.Fatalf("dialed %d contacts after stopped start, want 0", got)
	}
}

func TestStopCampaignNotActive(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 1)

	if err := h.engine.StopCampaign(context.Background(), campaign.ID); err != nil {
		t.Fatalf("stop inactive campaign: %v", err)
	}
	if len(h.camps.statuses) != 0 {
		t.Fatalf("status transitions %v on stopping inactive campaign, want none", h.camps.statuses)
	}
}

func TestCampaignAutoCompletesWhenDrained(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 0)
	h.activate(campaign.ID)

	h.engine.tick(context.Background(), campaign.ID)

	if got := h.camps.status(campaign.ID); got != domain.CampaignStatusCompleted {
		t.Fatalf("campaign status %s, want completed", got)
	}
	if got := len(h.engine.ActiveCampaigns()); got != 0 {
		t.Fatalf("active campaigns %d after completion, want 0", got)
	}
}

func TestStaleSessionReapedAfterLostHangup(t *testing.T) {
	campaign := testCampaign()
	campaign.MaxConcurrentCalls = 1
	h := newHarness(campaign, 2)
	h.activate(campaign.ID)

	base := time.Date(2024, time.January, 8, 12, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return base }

	h.engine.tick(context.Background(), campaign.ID)
	if got := h.engine.InFlight(campaign.ID); got != 1 {
		t.Fatalf("in flight = %d after first tick, want 1", got)
	}

	// The hangup for the first call never arrives. Two hours later the
	// session is well past the max call duration.
	h.engine.now = func() time.Time { return base.Add(2 * time.Hour) }
	h.engine.tick(context.Background(), campaign.ID)

	records, _, _ := h.callLog.ListByCampaign(context.Background(), campaign.ID, 0, nil)
	if len(records) != 1 {
		t.Fatalf("call records = %d, want 1 for the reaped session", len(records))
	}
	if records[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("reaped session outcome = %q, want %q", records[0].Outcome, domain.OutcomeFailed)
	}
	if records[0].HangupCause != "no hangup received" {
		t.Fatalf("reaped session hangup cause = %q, want %q", records[0].HangupCause, "no hangup received")
	}
	if got := h.adapter.dialCount(); got != 2 {
		t.Fatalf("dialed %d contacts, want 2 once the stale slot was reclaimed", got)
	}
	if got := h.engine.InFlight(campaign.ID); got != 1 {
		t.Fatalf("in flight = %d after reap, want 1", got)
	}
}

func TestHangupForUnknownSessionIgnored(t *testing.T) {
	campaign := testCampaign()
	h := newHarness(campaign, 0)

	h.engine.handleEvent(context.Background(), telephony.Event{
		Type: telephony.EventCallHangup, SessionToken: "nope", HangupCause: "16",
	})

	if len(h.callLog.records) != 0 {
		t.Fatalf("unexpected call records %v", h.callLog.records)
	}
}
