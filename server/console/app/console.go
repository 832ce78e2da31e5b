package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"supportdesk/server/chat/domain"
	"supportdesk/server/common/auth"
	commonlog "supportdesk/server/common/log"
	"supportdesk/server/console/inbox"
	"supportdesk/server/console/presence"
	"supportdesk/server/console/realtime"
	"supportdesk/server/console/restclient"
	"supportdesk/server/console/transcript"
)

var ErrNotAdmin = errors.New("only support agents can use the console")

const navigateTimeout = 15 * time.Second

type Options struct {
	Store  CredentialStore
	Dialer realtime.Dialer
	Clock  clockwork.Clock
	HTTP   *http.Client
	// OnLogout is told why the operator was signed out.
	OnLogout func(reason string)
}

// Console is the explicit context shared by the agent-side components: one
// identity, one realtime connection and one REST client. The inbox, the
// presence tracker and the open transcript are built on top of it.
type Console struct {
	cfg      Config
	store    CredentialStore
	clock    clockwork.Clock
	api      *restclient.Client
	conn     *realtime.Manager
	onLogout func(string)

	mu      sync.Mutex
	creds   *Credentials
	tracker *presence.Tracker
	inbox   *inbox.Inbox
	detail  *transcript.Transcript
}

func New(cfg Config, opts Options) *Console {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Store.Path == "" {
		opts.Store.Path = cfg.CredentialsPath
	}
	if opts.Dialer == nil {
		opts.Dialer = &realtime.WebsocketDialer{URL: cfg.SocketURL}
	}
	c := &Console{
		cfg:      cfg,
		store:    opts.Store,
		clock:    opts.Clock,
		onLogout: opts.OnLogout,
	}
	var clientOpts []restclient.Option
	if opts.HTTP != nil {
		clientOpts = append(clientOpts, restclient.WithHTTPClient(opts.HTTP))
	}
	c.api = restclient.New(cfg.APIURL, c.token, clientOpts...)
	c.conn = realtime.NewManager(realtime.Options{
		Dialer:         opts.Dialer,
		Clock:          opts.Clock,
		ReconnectBase:  cfg.ReconnectBase,
		ReconnectCap:   cfg.ReconnectCap,
		MaxAttempts:    cfg.MaxReconnectAttempts,
		ConnectTimeout: cfg.ConnectTimeout,
		OnAuthFailure:  func(error) { c.Logout("auth_error") },
	})
	return c
}

func (c *Console) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return ""
	}
	return c.creds.Token
}

// Start resumes the stored sign-in, if any, and loads the inbox.
func (c *Console) Start(ctx context.Context) error {
	creds, err := c.store.Load()
	if err != nil {
		return err
	}
	if creds.User.Role != auth.RoleAdmin {
		return ErrNotAdmin
	}
	c.activate(creds)
	return c.Inbox().Load(ctx)
}

// Login exchanges agent credentials for a token, stores it and activates
// the console.
func (c *Console) Login(ctx context.Context, email, password string) error {
	res, err := c.api.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if res.User.Role != auth.RoleAdmin {
		return ErrNotAdmin
	}
	creds := CredentialsFromLogin(res)
	if err := c.store.Save(creds); err != nil {
		return err
	}
	commonlog.Infof("event=console_auth action=login status=ok user_id=%s", creds.User.ID)
	c.activate(creds)
	return c.Inbox().Load(ctx)
}

func (c *Console) activate(creds Credentials) {
	c.deactivate()

	agent := creds.Agent()
	box := inbox.New(inbox.Options{
		API:           c.api,
		Agent:         agent,
		OnAuthFailure: func(error) { c.Logout("unauthorized") },
		Navigate:      c.navigate,
	})
	box.Attach(c.conn)
	identity := creds.Identity()
	tracker := presence.New(presence.Options{
		Channel:     c.conn,
		Identity:    *identity,
		Clock:       c.clock,
		Beacon:      c.api,
		OnLogout:    func() { c.Logout("inactivity") },
		IdleAfter:   c.cfg.IdleAfter,
		AwayAfter:   c.cfg.AwayAfter,
		LogoutAfter: c.cfg.LogoutAfter,
		Throttle:    c.cfg.ActivityThrottle,
	})

	c.mu.Lock()
	c.creds = &creds
	c.inbox = box
	c.tracker = tracker
	c.mu.Unlock()

	c.conn.SetIdentity(identity)
	tracker.Start()
}

// deactivate tears down everything bound to the current identity.
func (c *Console) deactivate() bool {
	c.mu.Lock()
	wasActive := c.creds != nil
	tracker, box, detail := c.tracker, c.inbox, c.detail
	c.creds, c.tracker, c.inbox, c.detail = nil, nil, nil, nil
	c.mu.Unlock()

	if tracker != nil {
		tracker.Stop()
	}
	if detail != nil {
		detail.Close()
	}
	if box != nil {
		box.Detach()
	}
	return wasActive
}

// Logout signs the operator out: the connection sends offline and closes, and
// the stored credentials are removed.
func (c *Console) Logout(reason string) {
	if !c.deactivate() {
		return
	}
	c.conn.SetIdentity(nil)
	if err := c.store.Clear(); err != nil {
		commonlog.Errorf("event=console_auth action=logout status=failed error=%v", err)
	}
	commonlog.Infof("event=console_auth action=logout status=ok reason=%s", reason)
	if c.onLogout != nil {
		c.onLogout(reason)
	}
}

// Shutdown reports the operator offline and releases the connection. The
// stored sign-in is kept.
func (c *Console) Shutdown() {
	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	if tracker != nil {
		tracker.Unload()
	}
	c.deactivate()
	c.conn.Close()
}

func (c *Console) SignedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds != nil
}

func (c *Console) Agent() (domain.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return domain.Agent{}, false
	}
	return c.creds.Agent(), true
}

func (c *Console) Connection() *realtime.Manager {
	return c.conn
}

func (c *Console) Inbox() *inbox.Inbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbox
}

func (c *Console) Tracker() *presence.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

func (c *Console) Transcript() *transcript.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detail
}

// RecordActivity forwards an operator input event to the presence tracker.
func (c *Console) RecordActivity(kind presence.ActivityKind) {
	if tr := c.Tracker(); tr != nil {
		tr.RecordActivity(kind)
	}
}

// Assign claims a waiting session and opens it.
func (c *Console) Assign(ctx context.Context, sessionID string) error {
	box := c.Inbox()
	if box == nil {
		return ErrNoCredentials
	}
	return box.Assign(ctx, sessionID)
}

func (c *Console) navigate(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), navigateTimeout)
	defer cancel()
	if _, err := c.OpenSession(ctx, sessionID); err != nil {
		commonlog.Warnf("event=console_navigate action=open status=failed session_id=%s error=%v", sessionID, err)
	}
}

// OpenSession replaces the open transcript with sessionID's.
func (c *Console) OpenSession(ctx context.Context, sessionID string) (*transcript.Transcript, error) {
	c.mu.Lock()
	if c.creds == nil {
		c.mu.Unlock()
		return nil, ErrNoCredentials
	}
	prev := c.detail
	detail := transcript.New(transcript.Options{
		SessionID:     sessionID,
		Agent:         c.creds.Agent(),
		API:           c.api,
		Channel:       c.conn,
		Clock:         c.clock,
		TypingIdle:    c.cfg.TypingIdle,
		OnAuthFailure: func(error) { c.Logout("unauthorized") },
	})
	c.detail = detail
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	if err := detail.Open(ctx); err != nil {
		return detail, err
	}
	return detail, nil
}

func (c *Console) CloseSession() {
	c.mu.Lock()
	detail := c.detail
	c.detail = nil
	c.mu.Unlock()
	if detail != nil {
		detail.Close()
	}
}
