package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"supportdesk/server/chat/domain"
	"supportdesk/server/console/realtime"
	"supportdesk/server/console/restclient"
	commonlog "supportdesk/server/common/log"
)

var (
	ErrSessionNotWaiting = errors.New("chat session is no longer waiting for an agent")
	ErrUnknownSession    = errors.New("chat session is not in the inbox")
)

type API interface {
	ListSessions(ctx context.Context) (domain.SessionsSnapshot, error)
	AssignSession(ctx context.Context, sessionID, adminID string) error
}

type Options struct {
	API   API
	Agent domain.Agent
	// OnAuthFailure is called when the collaborator answers 401.
	OnAuthFailure func(err error)
	// Navigate opens the detail view after a successful assignment.
	Navigate func(sessionID string)
}

// Inbox is the admin's canonical view of all chat sessions. REST snapshots
// replace it wholesale; realtime events patch it in between.
type Inbox struct {
	api           API
	agent         domain.Agent
	onAuthFailure func(error)
	navigate      func(string)

	mu       sync.Mutex
	sessions []domain.ChatSession
	counts   domain.Counts
	loaded   bool
	loading  bool
	lastErr  error
	loadGen  uint64
	subs     []*realtime.Subscription
}

func New(opts Options) *Inbox {
	return &Inbox{
		api:           opts.API,
		agent:         opts.Agent,
		onAuthFailure: opts.OnAuthFailure,
		navigate:      opts.Navigate,
	}
}

// Load fetches a fresh snapshot. On failure the previous snapshot is kept.
func (b *Inbox) Load(ctx context.Context) error {
	b.mu.Lock()
	b.loadGen++
	gen := b.loadGen
	b.loading = true
	b.mu.Unlock()

	snap, err := b.api.ListSessions(ctx)

	b.mu.Lock()
	if gen != b.loadGen {
		b.mu.Unlock()
		commonlog.Debugf("event=chat_inbox action=load status=stale")
		return context.Canceled
	}
	b.loading = false
	if err != nil {
		b.lastErr = err
		b.mu.Unlock()
		b.reportLoadError(err)
		return err
	}
	sessions := make([]domain.ChatSession, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		sessions = append(sessions, domain.NormalizeSession(s))
	}
	b.sessions = sessions
	b.counts = snap.Counts()
	b.loaded = true
	b.lastErr = nil
	b.mu.Unlock()
	commonlog.Infof("event=chat_inbox action=load status=ok sessions=%d waiting=%d active=%d", len(sessions), snap.WaitingSessions, snap.ActiveSessions)
	return nil
}

func (b *Inbox) reportLoadError(err error) {
	switch {
	case errors.Is(err, restclient.ErrUnauthorized):
		commonlog.Warnf("event=chat_inbox action=load status=unauthorized")
		if b.onAuthFailure != nil {
			b.onAuthFailure(err)
		}
	case errors.Is(err, restclient.ErrNotFound):
		commonlog.Warnf("event=chat_inbox action=load status=unavailable")
	default:
		commonlog.Errorf("event=chat_inbox action=load status=failed error=%v", err)
	}
}

// ErrorMessage renders a load or assign error for the operator.
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, restclient.ErrUnauthorized):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, restclient.ErrNotFound):
		return "Live chat is not available."
	case errors.Is(err, ErrSessionNotWaiting):
		return "This chat has already been picked up."
	}
	return "Failed to load chat sessions. Please try again."
}

func (b *Inbox) Sessions() []domain.ChatSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ChatSession(nil), b.sessions...)
}

func (b *Inbox) Counts() domain.Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Inbox) Session(id string) (domain.ChatSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.FindSession(b.sessions, id)
}

func (b *Inbox) Loading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loading
}

func (b *Inbox) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

func (b *Inbox) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Inbox) Filter(status StatusFilter, search string) []domain.ChatSession {
	return Filter(b.Sessions(), status, search)
}

// Assign claims a waiting session for the acting admin. Local state changes
// only after the collaborator confirms.
func (b *Inbox) Assign(ctx context.Context, sessionID string) error {
	current, ok := b.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if current.Status != domain.SessionStatusWaiting {
		return ErrSessionNotWaiting
	}

	if err := b.api.AssignSession(ctx, sessionID, b.agent.ID); err != nil {
		switch {
		case errors.Is(err, restclient.ErrUnauthorized):
			if b.onAuthFailure != nil {
				b.onAuthFailure(err)
			}
		case restclient.IsStatus(err, http.StatusConflict):
			err = fmt.Errorf("%w: %v", ErrSessionNotWaiting, err)
		}
		commonlog.Warnf("event=chat_inbox action=assign status=failed session_id=%s error=%v", sessionID, err)
		return err
	}

	b.mu.Lock()
	if s, ok := domain.FindSession(b.sessions, sessionID); ok {
		agent := b.agent
		s.Status = domain.SessionStatusActive
		s.Agent = &agent
		var prev domain.ChatSession
		b.sessions, prev, _ = domain.ReplaceSession(b.sessions, s)
		b.counts = b.counts.Shift(prev.Status, s.Status)
	}
	b.mu.Unlock()
	commonlog.Infof("event=chat_inbox action=assign status=ok session_id=%s admin_id=%s", sessionID, b.agent.ID)

	if b.navigate != nil {
		b.navigate(sessionID)
	}
	return nil
}

// Attach subscribes the inbox to live session events. Calling it again
// replaces the previous subscriptions.
func (b *Inbox) Attach(ch realtime.Subscriber) {
	b.unsubscribe()
	subs := []*realtime.Subscription{
		realtime.Handle(ch, domain.EventAdminNewSession, b.onNewSession),
		realtime.Handle(ch, domain.EventAdminSessionUpdated, b.onSessionUpdated),
		realtime.Handle(ch, domain.EventMessageNew, b.onMessage),
		realtime.Handle(ch, domain.EventSessionEnded, b.onSessionEnded),
	}
	b.mu.Lock()
	b.subs = subs
	b.mu.Unlock()
}

// Detach drops live subscriptions and discards any in-flight load.
func (b *Inbox) Detach() {
	b.mu.Lock()
	b.loadGen++
	b.loading = false
	b.mu.Unlock()
	b.unsubscribe()
}

func (b *Inbox) unsubscribe() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (b *Inbox) onNewSession(s domain.ChatSession) {
	if s.ID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next, prev, inserted := domain.PrependSession(b.sessions, s)
	b.sessions = next
	if inserted {
		b.counts = b.counts.Add(s.Status)
	} else {
		b.counts = b.counts.Shift(prev.Status, s.Status)
	}
	commonlog.Infof("event=chat_inbox action=new_session status=ok session_id=%s inserted=%t", s.ID, inserted)
}

func (b *Inbox) onSessionUpdated(s domain.ChatSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, prev, ok := domain.ReplaceSession(b.sessions, s)
	if !ok {
		commonlog.Debugf("event=chat_inbox action=session_updated status=ignored session_id=%s", s.ID)
		return
	}
	b.sessions = next
	b.counts = b.counts.Shift(prev.Status, s.Status)
}

func (b *Inbox) onMessage(msg domain.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := domain.FindSession(b.sessions, msg.SessionID)
	if !ok {
		return
	}
	s.LastMessage = msg.AsLastMessage()
	if msg.SenderType == domain.SenderUser {
		s.UnreadCount++
	}
	b.sessions, _, _ = domain.ReplaceSession(b.sessions, s)
}

func (b *Inbox) onSessionEnded(ended domain.SessionEnded) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := domain.FindSession(b.sessions, ended.SessionID)
	if !ok || s.Status == domain.SessionStatusEnded {
		return
	}
	prev := s.Status
	s.Status = domain.SessionStatusEnded
	if ended.Reason != "" {
		s.EndReason = ended.Reason
	}
	b.sessions, _, _ = domain.ReplaceSession(b.sessions, s)
	b.counts = b.counts.Shift(prev, s.Status)
}
