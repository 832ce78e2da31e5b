package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"supportdesk/server/chat/domain"
	"supportdesk/server/console/realtime"
	commonlog "supportdesk/server/common/log"
)

type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusAway    Status = "away"
)

type ActivityKind string

const (
	ActivityMouse   ActivityKind = "mouse"
	ActivityKey     ActivityKind = "key"
	ActivityTouch   ActivityKind = "touch"
	ActivityScroll  ActivityKind = "scroll"
	ActivityFocus   ActivityKind = "focus"
	ActivityVisible ActivityKind = "visible"
)

type Reason string

const (
	ReasonActivity   Reason = "activity"
	ReasonInactivity Reason = "inactivity"
	ReasonTabHidden  Reason = "tab_hidden"
	ReasonTabVisible Reason = "tab_visible"
	ReasonAutoLogout Reason = "auto_logout"
	ReasonUnload     Reason = "unload"
)

const (
	DefaultIdleAfter   = 5 * time.Minute
	DefaultAwayAfter   = 15 * time.Minute
	DefaultLogoutAfter = 30 * time.Minute
	DefaultThrottle    = 500 * time.Millisecond
	beaconTimeout      = 3 * time.Second
)

// Beacon delivers a presence signal outside the realtime connection.
type Beacon interface {
	PresenceBeacon(ctx context.Context, beacon domain.PresenceBeacon) error
}

type Emitter interface {
	Emit(event string, payload any) error
}

type Options struct {
	Channel  Emitter
	Identity realtime.Identity
	Clock    clockwork.Clock
	Beacon   Beacon
	// OnLogout is called once after the auto-logout offline signal is sent.
	OnLogout func()

	IdleAfter   time.Duration
	AwayAfter   time.Duration
	LogoutAfter time.Duration
	Throttle    time.Duration
}

// Tracker classifies an admin's presence from input activity and tab
// visibility. Inactivity is measured from the last qualifying activity:
// idle at IdleAfter, away at AwayAfter, auto-logout at LogoutAfter.
type Tracker struct {
	channel  Emitter
	identity realtime.Identity
	clock    clockwork.Clock
	beacon   Beacon
	onLogout func()
	disabled bool

	idleAfter   time.Duration
	awayAfter   time.Duration
	logoutAfter time.Duration
	throttle    time.Duration

	mu           sync.Mutex
	running      bool
	status       Status
	hidden       bool
	lastActivity time.Time
	lastAccepted time.Time
	gen          uint64
	idleTimer    clockwork.Timer
	awayTimer    clockwork.Timer
	logoutTimer  clockwork.Timer
}

// New returns a tracker for identity. Only admin identities run the presence
// machine; for anyone else every method is a no-op.
func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = DefaultIdleAfter
	}
	if opts.AwayAfter <= opts.IdleAfter {
		opts.AwayAfter = opts.IdleAfter + (DefaultAwayAfter - DefaultIdleAfter)
	}
	if opts.LogoutAfter <= opts.AwayAfter {
		opts.LogoutAfter = opts.AwayAfter + (DefaultLogoutAfter - DefaultAwayAfter)
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	return &Tracker{
		channel:     opts.Channel,
		identity:    opts.Identity,
		clock:       opts.Clock,
		beacon:      opts.Beacon,
		onLogout:    opts.OnLogout,
		disabled:    !opts.Identity.IsAdmin() || opts.Channel == nil,
		idleAfter:   opts.IdleAfter,
		awayAfter:   opts.AwayAfter,
		logoutAfter: opts.LogoutAfter,
		throttle:    opts.Throttle,
		status:      StatusOffline,
	}
}

func (t *Tracker) Enabled() bool {
	return !t.disabled
}

func (t *Tracker) Start() {
	if t.disabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	now := t.clock.Now()
	t.running = true
	t.hidden = false
	t.lastActivity = now
	t.lastAccepted = now
	t.transitionLocked(StatusActive, ReasonActivity)
	t.rescheduleLocked(t.idleAfter, t.awayAfter, t.logoutAfter)
	commonlog.Infof("event=presence_tracker action=start status=ok user_id=%s", t.identity.UserID)
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.clearTimersLocked()
}

// RecordActivity registers a qualifying input event. While active, events
// closer together than the throttle window are dropped; from any other status
// the first event returns the tracker to active.
func (t *Tracker) RecordActivity(kind ActivityKind) {
	if t.disabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	now := t.clock.Now()
	if t.status == StatusActive && now.Sub(t.lastAccepted) < t.throttle {
		return
	}
	t.activityLocked(now, ReasonActivity)
	commonlog.Debugf("event=presence_tracker action=activity kind=%s", kind)
}

func (t *Tracker) TabHidden() {
	if t.disabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.hidden {
		return
	}
	t.hidden = true
	if t.status != StatusActive {
		return
	}
	t.transitionLocked(StatusIdle, ReasonTabHidden)
	// The idle period starts now, so away and logout follow at their usual
	// distance from the idle boundary.
	t.clearTimersLocked()
	t.scheduleLocked(0, t.awayAfter-t.idleAfter, t.logoutAfter-t.idleAfter)
}

// TabVisible counts as activity regardless of the throttle window.
func (t *Tracker) TabVisible() {
	if t.disabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.hidden = false
	t.activityLocked(t.clock.Now(), ReasonTabVisible)
}

// Unload sends a best-effort offline signal over the realtime channel and the
// beacon, then stops the tracker.
func (t *Tracker) Unload() {
	if t.disabled {
		return
	}
	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	t.clearTimersLocked()
	if wasRunning {
		t.transitionLocked(StatusOffline, ReasonUnload)
	}
	now := t.clock.Now()
	t.mu.Unlock()

	if !wasRunning || t.beacon == nil {
		return
	}
	beacon := domain.PresenceBeacon{UserID: t.identity.UserID, Status: string(StatusOffline), Reason: string(ReasonUnload), Timestamp: now}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := t.beacon.PresenceBeacon(ctx, beacon); err != nil {
			commonlog.Debugf("event=presence_beacon action=send status=failed error=%v", err)
		}
	}()
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

func (t *Tracker) activityLocked(now time.Time, reason Reason) {
	t.lastActivity = now
	t.lastAccepted = now
	if t.status != StatusActive {
		t.transitionLocked(StatusActive, reason)
	}
	t.rescheduleLocked(t.idleAfter, t.awayAfter, t.logoutAfter)
}

func (t *Tracker) rescheduleLocked(idle, away, logout time.Duration) {
	t.clearTimersLocked()
	t.scheduleLocked(idle, away, logout)
}

// scheduleLocked arms the three timers together; a zero duration leaves that
// timer unarmed. Callers clear first.
func (t *Tracker) scheduleLocked(idle, away, logout time.Duration) {
	gen := t.gen
	if idle > 0 {
		t.idleTimer = t.clock.AfterFunc(idle, func() { t.expire(gen, StatusIdle) })
	}
	if away > 0 {
		t.awayTimer = t.clock.AfterFunc(away, func() { t.expire(gen, StatusAway) })
	}
	if logout > 0 {
		t.logoutTimer = t.clock.AfterFunc(logout, func() { t.expire(gen, StatusOffline) })
	}
}

func (t *Tracker) clearTimersLocked() {
	t.gen++
	for _, timer := range []clockwork.Timer{t.idleTimer, t.awayTimer, t.logoutTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	t.idleTimer, t.awayTimer, t.logoutTimer = nil, nil, nil
}

func (t *Tracker) expire(gen uint64, next Status) {
	t.mu.Lock()
	if gen != t.gen || !t.running {
		t.mu.Unlock()
		return
	}
	switch next {
	case StatusIdle:
		if t.status == StatusActive {
			t.transitionLocked(StatusIdle, ReasonInactivity)
		}
		t.mu.Unlock()
		return
	case StatusAway:
		if t.status == StatusActive || t.status == StatusIdle {
			t.transitionLocked(StatusAway, ReasonInactivity)
		}
		t.mu.Unlock()
		return
	}

	t.running = false
	t.clearTimersLocked()
	t.transitionLocked(StatusOffline, ReasonAutoLogout)
	onLogout := t.onLogout
	t.mu.Unlock()
	commonlog.Warnf("event=presence_tracker action=auto_logout status=ok user_id=%s idle_ms=%d", t.identity.UserID, t.logoutAfter.Milliseconds())
	if onLogout != nil {
		onLogout()
	}
}

// transitionLocked records the new status and reports it over the channel.
func (t *Tracker) transitionLocked(next Status, reason Reason) {
	prev := t.status
	t.status = next
	err := t.channel.Emit(domain.EventUserActivity, domain.UserActivity{
		UserID:    t.identity.UserID,
		Status:    string(next),
		Timestamp: t.clock.Now(),
		UserInfo:  t.identity.UserInfo,
		Metadata: map[string]any{
			"reason":       string(reason),
			"lastActivity": t.lastActivity,
		},
	})
	if err != nil {
		commonlog.Debugf("event=presence_tracker action=emit status=failed from=%s to=%s error=%v", prev, next, err)
		return
	}
	commonlog.Infof("event=presence_tracker action=transition from=%s to=%s reason=%s", prev, next, reason)
}
