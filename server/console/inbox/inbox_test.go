package inbox

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportdesk/server/chat/domain"
	"supportdesk/server/console/realtime/realtimetest"
	"supportdesk/server/console/restclient"
)

type fakeAPI struct {
	mu       sync.Mutex
	snapshot domain.SessionsSnapshot
	listErr  error
	block    chan struct{}

	assignErr error
	assigned  []string
}

func (f *fakeAPI) ListSessions(ctx context.Context) (domain.SessionsSnapshot, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.listErr
}

func (f *fakeAPI) AssignSession(ctx context.Context, sessionID, adminID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigned = append(f.assigned, sessionID+"@"+adminID)
	return nil
}

var me = domain.Agent{ID: "admin-1", Name: "Grace Hopper", Email: "grace@example.com"}

func baseSnapshot() domain.SessionsSnapshot {
	return domain.SessionsSnapshot{
		Sessions: []domain.ChatSession{
			{ID: "s2", Status: domain.SessionStatusActive, Agent: &domain.Agent{ID: "admin-2"},
				UserInfo: domain.UserInfo{FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"}},
			{ID: "s3", Status: domain.SessionStatusEnded,
				UserInfo:    domain.UserInfo{FirstName: "Ada", Email: "ada@example.com"},
				LastMessage: &domain.LastMessage{Message: "Thanks for the salary info", SenderType: domain.SenderUser}},
		},
		TotalSessions:   2,
		ActiveSessions:  1,
		WaitingSessions: 0,
	}
}

func assertWaitingHaveNoAgent(t *testing.T, b *Inbox) {
	t.Helper()
	for _, s := range b.Sessions() {
		if s.Status == domain.SessionStatusWaiting {
			assert.Nilf(t, s.Agent, "waiting session %s has an agent", s.ID)
		}
	}
}

func newLoadedInbox(t *testing.T, api *fakeAPI, navigate func(string)) (*Inbox, *realtimetest.Channel) {
	t.Helper()
	b := New(Options{API: api, Agent: me, Navigate: navigate})
	ch := realtimetest.NewChannel()
	b.Attach(ch)
	t.Cleanup(b.Detach)
	require.NoError(t, b.Load(context.Background()))
	return b, ch
}

func TestNewSessionThenAssign(t *testing.T) {
	api := &fakeAPI{snapshot: baseSnapshot()}
	var navigated []string
	b, ch := newLoadedInbox(t, api, func(id string) { navigated = append(navigated, id) })
	before := b.Counts()

	ch.Inject(domain.EventAdminNewSession, domain.ChatSession{
		ID: "s1", Status: domain.SessionStatusWaiting, UserInfo: domain.UserInfo{FirstName: "Visitor", IsGuest: true},
	})

	after := b.Counts()
	assert.Equal(t, before.Total+1, after.Total)
	assert.Equal(t, before.Waiting+1, after.Waiting)
	assert.Equal(t, "s1", b.Sessions()[0].ID)
	assertWaitingHaveNoAgent(t, b)

	require.NoError(t, b.Assign(context.Background(), "s1"))
	s1, ok := b.Session("s1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusActive, s1.Status)
	require.NotNil(t, s1.Agent)
	assert.Equal(t, me.ID, s1.Agent.ID)
	assert.Equal(t, []string{"s1"}, navigated)
	assert.Equal(t, []string{"s1@admin-1"}, api.assigned)
	assert.Equal(t, domain.Counts{Total: 3, Active: 2, Waiting: 0}, b.Counts())
	assertWaitingHaveNoAgent(t, b)
}

func TestDuplicateNewSessionCountsOnce(t *testing.T) {
	api := &fakeAPI{snapshot: baseSnapshot()}
	b, ch := newLoadedInbox(t, api, nil)

	s := domain.ChatSession{ID: "s1", Status: domain.SessionStatusWaiting}
	ch.Inject(domain.EventAdminNewSession, s)
	ch.Inject(domain.EventAdminNewSession, s)
	assert.Equal(t, 3, b.Counts().Total)
	assert.Len(t, b.Sessions(), 3)
}

func TestRedeliveredNewSessionKeepsCountsConsistent(t *testing.T) {
	api := &fakeAPI{snapshot: baseSnapshot()}
	b, ch := newLoadedInbox(t, api, nil)

	ch.Inject(domain.EventAdminNewSession, domain.ChatSession{ID: "s1", Status: domain.SessionStatusWaiting})
	ch.Inject(domain.EventAdminNewSession, domain.ChatSession{ID: "s1", Status: domain.SessionStatusActive, Agent: &domain.Agent{ID: "admin-2"}})

	var derived domain.Counts
	for _, s := range b.Sessions() {
		derived = derived.Add(s.Status)
	}
	assert.Equal(t, derived, b.Counts())
	assert.Equal(t, domain.Counts{Total: 3, Active: 2, Waiting: 0}, b.Counts())
	assert.Len(t, b.Sessions(), 3)
}

func TestAssignFailureLeavesSessionUntouched(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantIs    error
		wantLogin bool
	}{
		{name: "server error", err: &restclient.StatusError{Status: http.StatusInternalServerError}},
		{name: "already taken", err: &restclient.StatusError{Status: http.StatusConflict, Message: "taken"}, wantIs: ErrSessionNotWaiting},
		{name: "expired token", err: restclient.ErrUnauthorized, wantIs: restclient.ErrUnauthorized, wantLogin: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{snapshot: baseSnapshot(), assignErr: tt.err}
			navigated := 0
			logins := 0
			b := New(Options{API: api, Agent: me, Navigate: func(string) { navigated++ }, OnAuthFailure: func(error) { logins++ }})
			ch := realtimetest.NewChannel()
			b.Attach(ch)
			require.NoError(t, b.Load(context.Background()))
			ch.Inject(domain.EventAdminNewSession, domain.ChatSession{ID: "s1", Status: domain.SessionStatusWaiting})
			before := b.Sessions()

			err := b.Assign(context.Background(), "s1")
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			assert.Equal(t, before, b.Sessions())
			assert.Zero(t, navigated)
			assert.Equal(t, tt.wantLogin, logins == 1)
		})
	}
}

func TestAssignRejectsNonWaitingWithoutCall(t *testing.T) {
	api := &fakeAPI{snapshot: baseSnapshot()}
	b, _ := newLoadedInbox(t, api, nil)

	assert.ErrorIs(t, b.Assign(context.Background(), "s2"), ErrSessionNotWaiting)
	assert.ErrorIs(t, b.Assign(context.Background(), "nope"), ErrUnknownSession)
	assert.Empty(t, api.assigned)
}

func TestLoadErrorsPreserveSnapshot(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLogin bool
		message   string
	}{
		{name: "unauthorized", err: restclient.ErrUnauthorized, wantLogin: true, message: "Your session has expired. Please sign in again."},
		{name: "not found", err: restclient.ErrNotFound, message: "Live chat is not available."},
		{name: "other", err: errors.New("connection reset"), message: "Failed to load chat sessions. Please try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{snapshot: baseSnapshot()}
			logins := 0
			b := New(Options{API: api, Agent: me, OnAuthFailure: func(error) { logins++ }})
			require.NoError(t, b.Load(context.Background()))
			before := b.Sessions()

			api.mu.Lock()
			api.listErr = tt.err
			api.mu.Unlock()
			err := b.Load(context.Background())
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, before, b.Sessions())
			assert.Equal(t, tt.wantLogin, logins == 1)
			assert.Equal(t, tt.message, ErrorMessage(b.Err()))
		})
	}
}

func TestLiveEvents(t *testing.T) {
	api := &fakeAPI{snapshot: baseSnapshot()}
	b, ch := newLoadedInbox(t, api, nil)
	ch.Inject(domain.EventAdminNewSession, domain.ChatSession{ID: "s1", Status: domain.SessionStatusWaiting})

	ch.Inject(domain.EventMessageNew, domain.ChatMessage{ID: "m1", SessionID: "s1", Message: "hello?", SenderType: domain.SenderUser, Timestamp: time.Now()})
	ch.Inject(domain.EventMessageNew, domain.ChatMessage{ID: "m2", SessionID: "s1", Message: "hi!", SenderType: domain.SenderAgent, Timestamp: time.Now()})
	s1, _ := b.Session("s1")
	assert.Equal(t, 1, s1.UnreadCount)
	require.NotNil(t, s1.LastMessage)
	assert.Equal(t, "hi!", s1.LastMessage.Message)

	// the event payload is authoritative, including a stale agent on a waiting session
	ch.Inject(domain.EventAdminSessionUpdated, domain.ChatSession{ID: "s1", Status: domain.SessionStatusWaiting, Agent: &domain.Agent{ID: "ghost"}})
	s1, _ = b.Session("s1")
	assert.Nil(t, s1.Agent)
	assert.Nil(t, s1.LastMessage)
	assertWaitingHaveNoAgent(t, b)

	ch.Inject(domain.EventAdminSessionUpdated, domain.ChatSession{ID: "unknown", Status: domain.SessionStatusActive})
	assert.Len(t, b.Sessions(), 3)

	ch.Inject(domain.EventSessionEnded, domain.SessionEnded{SessionID: "s2"})
	s2, _ := b.Session("s2")
	assert.Equal(t, domain.SessionStatusEnded, s2.Status)
	assert.Equal(t, domain.Counts{Total: 3, Active: 0, Waiting: 1}, b.Counts())
}

func TestRefreshReplacesWholesale(t *testing.T) {
	api := &fakeAPI{snapshot: baseSnapshot()}
	b, ch := newLoadedInbox(t, api, nil)
	ch.Inject(domain.EventAdminNewSession, domain.ChatSession{ID: "s1", Status: domain.SessionStatusWaiting})
	require.Len(t, b.Sessions(), 3)

	require.NoError(t, b.Load(context.Background()))
	assert.Len(t, b.Sessions(), 2)
	assert.Equal(t, baseSnapshot().Counts(), b.Counts())
}

func TestDetachDropsEventsAndInFlightLoad(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{snapshot: baseSnapshot()}
	b := New(Options{API: api, Agent: me})
	ch := realtimetest.NewChannel()
	b.Attach(ch)
	assert.Equal(t, 1, ch.Subscribers(domain.EventAdminNewSession))

	api.mu.Lock()
	api.block = release
	api.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- b.Load(context.Background()) }()
	require.Eventually(t, b.Loading, time.Second, 5*time.Millisecond)

	b.Detach()
	close(release)
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, b.Sessions())
	assert.False(t, b.Loaded())

	ch.Inject(domain.EventAdminNewSession, domain.ChatSession{ID: "s1", Status: domain.SessionStatusWaiting})
	assert.Empty(t, b.Sessions())
	assert.Zero(t, ch.Subscribers(domain.EventAdminNewSession))
}

func TestFilterIsPure(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []domain.SessionStatus{domain.SessionStatusWaiting, domain.SessionStatusActive, domain.SessionStatusEnded}
	names := []string{"Ada", "Alan", "Grace", "Linus", "Barbara"}
	searches := []string{"", "a", "ADA", "example", "salary", "  grace ", "zzz"}
	filters := []StatusFilter{FilterAll, FilterWaiting, FilterActive, FilterEnded, ""}

	for round := 0; round < 50; round++ {
		var canonical []domain.ChatSession
		n := rng.Intn(12)
		for i := 0; i < n; i++ {
			s := domain.ChatSession{
				ID:       names[rng.Intn(len(names))] + string(rune('a'+i)),
				Status:   statuses[rng.Intn(len(statuses))],
				UserInfo: domain.UserInfo{FirstName: names[rng.Intn(len(names))], Email: "user@example.com"},
			}
			if rng.Intn(2) == 0 {
				s.LastMessage = &domain.LastMessage{Message: "about the salary"}
			}
			canonical = append(canonical, s)
		}
		snapshot := append([]domain.ChatSession(nil), canonical...)

		for _, f := range filters {
			for _, q := range searches {
				got := Filter(canonical, f, q)
				for _, s := range got {
					if f != FilterAll && f != "" {
						assert.Equal(t, string(f), string(s.Status))
					}
				}
			}
		}
		assert.Equal(t, snapshot, canonical)
		restored := Filter(canonical, FilterAll, "")
		if len(canonical) == 0 {
			assert.Empty(t, restored)
		} else {
			assert.Equal(t, canonical, restored)
		}
	}
}

func TestFilterSearchFields(t *testing.T) {
	sessions := baseSnapshot().Sessions
	assert.Len(t, Filter(sessions, FilterAll, "TURING"), 1)
	assert.Len(t, Filter(sessions, FilterAll, "ada@"), 1)
	assert.Len(t, Filter(sessions, FilterAll, "salary"), 1)
	assert.Len(t, Filter(sessions, FilterActive, "salary"), 0)
	assert.Equal(t, FilterWaiting, ParseStatusFilter(" Waiting "))
	assert.Equal(t, FilterAll, ParseStatusFilter("bogus"))
}
