package dialer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

// session tracks one in-flight call from originate to hangup.
type session struct {
	Token           string
	CampaignID      uuid.UUID
	ContactID       uuid.UUID
	PhoneNumber     string
	Attempt         int
	State           domain.SessionState
	MachineDetected bool
	Digits          string
	StartedAt       time.Time
}

// sessionTable is the engine's in-memory view of active calls, keyed by the
// session token the telephony adapter echoes back in events.
type sessionTable struct {
	mu      sync.RWMutex
	byToken map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byToken: make(map[string]*session)}
}

func (t *sessionTable) Add(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byToken[s.Token] = s
}

func (t *sessionTable) Get(token string) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byToken[token]
}

func (t *sessionTable) Remove(token string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byToken[token]
	delete(t.byToken, token)
	return s
}

// TakeExpired removes and returns the campaign's sessions that started
// before the cutoff. Callers own the returned sessions.
func (t *sessionTable) TakeExpired(campaignID uuid.UUID, cutoff time.Time) []*session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*session
	for token, s := range t.byToken {
		if s.CampaignID == campaignID && s.StartedAt.Before(cutoff) {
			out = append(out, s)
			delete(t.byToken, token)
		}
	}
	return out
}

func (t *sessionTable) CountByCampaign(campaignID uuid.UUID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.byToken {
		if s.CampaignID == campaignID {
			n++
		}
	}
	return n
}

func (t *sessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byToken)
}
