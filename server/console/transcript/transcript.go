// Package transcript keeps one open conversation for an admin: the ordered
// message list, optimistic sends, typing signals and the session lifecycle.
package transcript

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"supportdesk/server/chat/domain"
	"supportdesk/server/console/realtime"
	"supportdesk/server/console/restclient"
	commonlog "supportdesk/server/common/log"
)

var (
	ErrBlankMessage  = errors.New("message is empty")
	ErrSessionClosed = errors.New("chat session has ended")
	ErrNotReady      = errors.New("chat session is not loaded")
)

type State string

const (
	StateLoading State = "loading"
	StateActive  State = "active"
	StateEnded   State = "ended"
	StateError   State = "error"
)

const DefaultTypingIdle = time.Second

type API interface {
	SessionDetail(ctx context.Context, sessionID string) (domain.SessionDetail, error)
	Session(ctx context.Context, sessionID string) (domain.GeneralSession, error)
	EndSession(ctx context.Context, sessionID, adminID, reason string) error
}

type Options struct {
	SessionID string
	Agent     domain.Agent
	API       API
	Channel   realtime.Channel
	Clock     clockwork.Clock
	// TypingIdle is how long after the last keystroke typing-stop is sent.
	TypingIdle    time.Duration
	OnAuthFailure func(err error)
}

// Transcript is the detail view of a single chat session.
type Transcript struct {
	sessionID     string
	agent         domain.Agent
	api           API
	channel       realtime.Channel
	clock         clockwork.Clock
	typingIdle    time.Duration
	onAuthFailure func(error)

	mu           sync.Mutex
	state        State
	session      domain.ChatSession
	userInfo     domain.UserInfo
	messages     []domain.ChatMessage
	lastErr      error
	remoteTyping bool
	typing       bool
	typingTimer  clockwork.Timer
	typingGen    uint64
	openGen      uint64
	cancelOpen   context.CancelFunc
	subs         []*realtime.Subscription
	closed       bool
}

func New(opts Options) *Transcript {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}
	return &Transcript{
		sessionID:     opts.SessionID,
		agent:         opts.Agent,
		api:           opts.API,
		channel:       opts.Channel,
		clock:         opts.Clock,
		typingIdle:    opts.TypingIdle,
		onAuthFailure: opts.OnAuthFailure,
		state:         StateLoading,
	}
}

func (t *Transcript) SessionID() string {
	return t.sessionID
}

// Open subscribes to the session's live events, joins its room and loads the
// REST snapshot. A later Open or Close discards the result of an earlier one.
func (t *Transcript) Open(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return context.Canceled
	}
	if t.state == StateEnded {
		t.mu.Unlock()
		return ErrSessionClosed
	}
	if t.cancelOpen != nil {
		t.cancelOpen()
	}
	t.openGen++
	gen := t.openGen
	t.cancelOpen = cancel
	t.state = StateLoading
	t.lastErr = nil
	t.remoteTyping = false
	t.mu.Unlock()

	t.subscribe()
	if err := t.channel.Emit(domain.EventAdminJoinSession, domain.JoinSession{SessionID: t.sessionID, AdminID: t.agent.ID}); err != nil {
		commonlog.Warnf("event=chat_transcript action=join status=failed session_id=%s error=%v", t.sessionID, err)
	}

	detail, err := t.loadDetail(ctx)

	t.mu.Lock()
	if gen != t.openGen || t.closed {
		t.mu.Unlock()
		commonlog.Debugf("event=chat_transcript action=open status=stale session_id=%s", t.sessionID)
		return context.Canceled
	}
	t.cancelOpen = nil
	if err != nil {
		t.state = StateError
		t.lastErr = err
		t.mu.Unlock()
		t.reportError("open", err)
		return err
	}
	endedMeanwhile := t.state == StateEnded
	t.session = domain.NormalizeSession(detail.Session)
	t.userInfo = detail.UserInfo
	if t.userInfo == (domain.UserInfo{}) {
		t.userInfo = detail.Session.UserInfo
	}
	t.messages = domain.MergeMessages(t.messages, detail.Messages...)
	switch {
	case endedMeanwhile:
		t.endLocked("")
	case t.session.Status == domain.SessionStatusEnded:
		t.state = StateEnded
	default:
		t.state = StateActive
	}
	count := len(t.messages)
	state := t.state
	t.mu.Unlock()

	commonlog.Infof("event=chat_transcript action=open status=ok session_id=%s state=%s messages=%d", t.sessionID, state, count)
	return nil
}

// loadDetail reads the admin detail view and falls back to the general
// session view when the admin endpoint answers not found.
func (t *Transcript) loadDetail(ctx context.Context) (domain.SessionDetail, error) {
	detail, err := t.api.SessionDetail(ctx, t.sessionID)
	if !errors.Is(err, restclient.ErrNotFound) {
		return detail, err
	}
	general, gerr := t.api.Session(ctx, t.sessionID)
	if gerr != nil {
		commonlog.Debugf("event=chat_transcript action=open_fallback status=failed session_id=%s error=%v", t.sessionID, gerr)
		return detail, err
	}
	commonlog.Infof("event=chat_transcript action=open_fallback status=ok session_id=%s", t.sessionID)
	return domain.SessionDetail{Session: general.Session, Messages: general.Messages, UserInfo: general.Session.UserInfo}, nil
}

func (t *Transcript) reportError(action string, err error) {
	if errors.Is(err, restclient.ErrUnauthorized) {
		commonlog.Warnf("event=chat_transcript action=%s status=unauthorized session_id=%s", action, t.sessionID)
		if t.onAuthFailure != nil {
			t.onAuthFailure(err)
		}
		return
	}
	commonlog.Errorf("event=chat_transcript action=%s status=failed session_id=%s error=%v", action, t.sessionID, err)
}

// ErrorMessage renders a transcript error for the operator.
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, restclient.ErrUnauthorized):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, restclient.ErrNotFound):
		return "Chat session not found."
	case errors.Is(err, ErrBlankMessage):
		return "Type a message first."
	case errors.Is(err, ErrSessionClosed):
		return "This chat has ended."
	}
	return "Failed to load chat session. Please try again."
}

// Send appends an optimistic entry and sends text over the realtime channel.
// The entry is reconciled when the server echoes the stored message; a
// failed send is marked failed and never retried.
func (t *Transcript) Send(text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ChatMessage{}, ErrBlankMessage
	}

	t.mu.Lock()
	switch t.state {
	case StateActive:
	case StateEnded:
		t.mu.Unlock()
		return domain.ChatMessage{}, ErrSessionClosed
	default:
		t.mu.Unlock()
		return domain.ChatMessage{}, ErrNotReady
	}
	t.stopTypingLocked()
	msg := domain.NewOptimisticMessage(t.sessionID, t.agent.ID, text, domain.SenderAgent, t.clock.Now())
	t.messages = domain.MergeMessages(t.messages, msg)
	t.mu.Unlock()

	err := t.channel.Emit(domain.EventAdminSendMessage, domain.AdminSendMessage{
		SessionID:       t.sessionID,
		Message:         text,
		AdminID:         t.agent.ID,
		MessageType:     domain.MessageTypeText,
		ClientMessageID: msg.ID,
	})
	if err != nil {
		t.markFailed(msg.ID)
		msg.Status = domain.MessageFailed
		commonlog.Warnf("event=chat_transcript action=send status=failed session_id=%s temp_id=%s error=%v", t.sessionID, msg.ID, err)
		return msg, err
	}
	commonlog.Debugf("event=chat_transcript action=send status=ok session_id=%s temp_id=%s", t.sessionID, msg.ID)
	return msg, nil
}

func (t *Transcript) markFailed(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].ID == id && t.messages[i].Status == domain.MessageSending {
			t.messages[i].Status = domain.MessageFailed
		}
	}
}

// Keystroke signals local typing. The first keystroke sends typing-start;
// typing-stop follows once no keystroke arrives for the idle window.
func (t *Transcript) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return
	}
	if !t.typing {
		t.typing = true
		t.emitTypingLocked(true)
	}
	if t.typingTimer != nil {
		t.typingTimer.Stop()
	}
	t.typingGen++
	gen := t.typingGen
	t.typingTimer = t.clock.AfterFunc(t.typingIdle, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen == t.typingGen {
			t.stopTypingLocked()
		}
	})
}

func (t *Transcript) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Transcript) stopTypingLocked() {
	t.typingGen++
	if t.typingTimer != nil {
		t.typingTimer.Stop()
		t.typingTimer = nil
	}
	if !t.typing {
		return
	}
	t.typing = false
	t.emitTypingLocked(false)
}

func (t *Transcript) emitTypingLocked(isTyping bool) {
	err := t.channel.Emit(domain.EventAdminTyping, domain.AdminTyping{SessionID: t.sessionID, AdminID: t.agent.ID, IsTyping: isTyping})
	if err != nil {
		commonlog.Debugf("event=chat_transcript action=typing status=failed session_id=%s error=%v", t.sessionID, err)
	}
}

// End closes the session. The realtime event is sent first and the view stays
// ended even when the REST call fails.
func (t *Transcript) End(ctx context.Context, reason string) error {
	t.mu.Lock()
	if t.state != StateActive {
		state := t.state
		t.mu.Unlock()
		if state == StateEnded {
			return ErrSessionClosed
		}
		return ErrNotReady
	}
	t.stopTypingLocked()
	t.endLocked(reason)
	t.mu.Unlock()

	if err := t.channel.Emit(domain.EventAdminEndSession, domain.EndSession{SessionID: t.sessionID, AdminID: t.agent.ID, Reason: reason}); err != nil {
		commonlog.Warnf("event=chat_transcript action=end_emit status=failed session_id=%s error=%v", t.sessionID, err)
	}
	if err := t.api.EndSession(ctx, t.sessionID, t.agent.ID, reason); err != nil {
		t.reportError("end", err)
		return err
	}
	commonlog.Infof("event=chat_transcript action=end status=ok session_id=%s reason=%s", t.sessionID, reason)
	return nil
}

func (t *Transcript) endLocked(reason string) {
	t.state = StateEnded
	t.remoteTyping = false
	t.session.Status = domain.SessionStatusEnded
	if reason != "" {
		t.session.EndReason = reason
	}
	if t.session.EndedAt == nil {
		now := t.clock.Now()
		t.session.EndedAt = &now
	}
}

// Close leaves the session room and drops every subscription. Any Open still
// in flight is cancelled and its result discarded.
func (t *Transcript) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.openGen++
	if t.cancelOpen != nil {
		t.cancelOpen()
		t.cancelOpen = nil
	}
	t.stopTypingLocked()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if err := t.channel.Emit(domain.EventAdminLeaveSession, domain.LeaveSession{SessionID: t.sessionID}); err != nil {
		commonlog.Debugf("event=chat_transcript action=leave status=failed session_id=%s error=%v", t.sessionID, err)
	}
}

func (t *Transcript) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transcript) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transcript) Session() domain.ChatSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

func (t *Transcript) UserInfo() domain.UserInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userInfo
}

func (t *Transcript) Messages() []domain.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ChatMessage(nil), t.messages...)
}

// RemoteTyping reports whether the visitor is currently typing. It follows
// the sender's start and stop signals only.
func (t *Transcript) RemoteTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteTyping
}

func (t *Transcript) subscribe() {
	t.mu.Lock()
	if len(t.subs) > 0 {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	subs := []*realtime.Subscription{
		realtime.Handle(t.channel, domain.EventMessageNew, t.onMessage),
		realtime.Handle(t.channel, domain.EventUserTyping, t.onUserTyping),
		realtime.Handle(t.channel, domain.EventTypingStart, func(s domain.TypingSignal) { t.onTypingSignal(s, true) }),
		realtime.Handle(t.channel, domain.EventTypingStop, func(s domain.TypingSignal) { t.onTypingSignal(s, false) }),
		realtime.Handle(t.channel, domain.EventSessionEnded, t.onSessionEnded),
	}

	t.mu.Lock()
	if t.closed || len(t.subs) > 0 {
		t.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return
	}
	t.subs = subs
	t.mu.Unlock()
}

func (t *Transcript) onMessage(msg domain.ChatMessage) {
	if msg.SessionID != t.sessionID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = domain.MergeMessages(t.messages, msg)
	if msg.SenderType == domain.SenderUser {
		t.remoteTyping = false
	}
	t.session.LastMessage = msg.AsLastMessage()
}

func (t *Transcript) onUserTyping(ev domain.UserTyping) {
	if ev.SessionID != t.sessionID || ev.UserType == domain.SenderAgent {
		return
	}
	t.mu.Lock()
	t.remoteTyping = ev.IsTyping
	t.mu.Unlock()
}

func (t *Transcript) onTypingSignal(ev domain.TypingSignal, isTyping bool) {
	if ev.SessionID != t.sessionID || ev.UserType == domain.SenderAgent {
		return
	}
	t.mu.Lock()
	t.remoteTyping = isTyping
	t.mu.Unlock()
}

func (t *Transcript) onSessionEnded(ev domain.SessionEnded) {
	if ev.SessionID != t.sessionID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateEnded {
		return
	}
	t.stopTypingLocked()
	t.endLocked(ev.Reason)
	commonlog.Infof("event=chat_transcript action=session_ended status=ok session_id=%s reason=%s", t.sessionID, ev.Reason)
}
