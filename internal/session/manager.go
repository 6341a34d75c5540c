package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/mlehnert/themectl/internal/api"
)

// Cookie names the server uses; the CSRF cookie mirrors the header token.
const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf_token"
)

// ErrNotAuthenticated is returned by RequireAuth when neither the local
// state nor the server considers the client authenticated.
var ErrNotAuthenticated = errors.New("not authenticated")

// authAPI is the slice of the REST client the manager needs.
type authAPI interface {
	RefreshToken(ctx context.Context) (*api.LoginResponse, error)
	RefreshSession(ctx context.Context) (*api.LoginResponse, error)
	RefreshCSRF(ctx context.Context) (string, error)
	Me(ctx context.Context) (*api.MeResponse, error)
	Logout(ctx context.Context) error
}

// Config holds the session lifecycle tunables.
type Config struct {
	StateDir          string
	ServerURL         string
	MaxRetries        int
	RetryBaseDelay    time.Duration
	MinRefreshLead    time.Duration
	ValidatorInterval time.Duration
	RequestTimeout    time.Duration
}

// Manager owns the credential lifecycle. Construct one at startup and pass
// it by reference; it is safe for concurrent use.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	serverURL *url.URL
	jar       http.CookieJar

	durable *fileStore
	session *memStore

	mu       sync.Mutex
	api      authAPI
	remember bool
	expired  bool

	refreshTimer      *time.Timer
	tokenRetryTimer   *time.Timer
	sessionRetryTimer *time.Timer
	csrfRetryTimer    *time.Timer
	validatorStop     chan struct{}

	// Independent retry budgets; one operation's failures must not exhaust
	// another's.
	tokenRetries   int
	sessionRetries int
	csrfRetries    int

	onExpired func(reason string)

	// Injectable for deterministic tests.
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
	sleep     func(d time.Duration) <-chan time.Time
}

// NewManager creates a session manager with its own cookie jar.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.MinRefreshLead <= 0 {
		cfg.MinRefreshLead = 30 * time.Second
	}
	if cfg.ValidatorInterval <= 0 {
		cfg.ValidatorInterval = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	serverURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		serverURL: serverURL,
		jar:       jar,
		durable:   newFileStore(cfg.StateDir),
		session:   &memStore{},
		now:       time.Now,
		afterFunc: time.AfterFunc,
		sleep:     time.After,
	}, nil
}

// SetAPI installs the REST client. Done after construction because the
// client's transport needs the manager first.
func (m *Manager) SetAPI(a authAPI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.api = a
}

// OnExpired registers the handler invoked after session-expiration cleanup.
func (m *Manager) OnExpired(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpired = fn
}

// Jar returns the cookie jar shared with the HTTP client.
func (m *Manager) Jar() http.CookieJar { return m.jar }

// StoreCredential persists a bearer-mode credential. With remember it goes
// to the durable store, otherwise to the session-scoped store. A refresh
// timer is scheduled when an expiry is known.
func (m *Manager) StoreCredential(resp *api.LoginResponse, remember bool) {
	cred := credentialFromLogin(resp, ModeBearer)

	m.mu.Lock()
	m.expired = false
	m.remember = remember
	m.mu.Unlock()

	if remember {
		if err := m.durable.Save(cred); err != nil {
			m.logger.Warn("durable credential save failed, keeping in-memory only", "error", err)
			_ = m.session.Save(cred)
		}
	} else {
		_ = m.session.Save(cred)
	}

	m.scheduleRefresh(cred)
}

// StoreSessionCredential persists a cookie-mode credential (CSRF token and
// user metadata) into the session-scoped store.
func (m *Manager) StoreSessionCredential(resp *api.LoginResponse) {
	cred := credentialFromLogin(resp, ModeCookie)

	m.mu.Lock()
	m.expired = false
	m.mu.Unlock()

	_ = m.session.Save(cred)
	m.scheduleRefresh(cred)
}

// Token returns the current non-expired bearer credential, or nil. Expired
// credentials are evicted on read; a stale read is never trusted.
func (m *Manager) Token() *Credential {
	now := m.now()

	if cred := m.session.Load(); cred != nil {
		if cred.Expired(now) {
			m.session.Clear()
		} else if cred.AccessToken != "" {
			return cred
		}
	}
	if cred := m.durable.Load(); cred != nil {
		if cred.Expired(now) {
			m.durable.Clear()
		} else if cred.AccessToken != "" {
			return cred
		}
	}
	return nil
}

// CSRFToken returns the current CSRF token: session store first, then the
// durable store, then the server's CSRF cookie.
func (m *Manager) CSRFToken() string {
	if cred := m.session.Load(); cred != nil && cred.CSRFToken != "" {
		return cred.CSRFToken
	}
	if cred := m.durable.Load(); cred != nil && cred.CSRFToken != "" {
		return cred.CSRFToken
	}
	for _, c := range m.jar.Cookies(m.serverURL) {
		if c.Name == csrfCookieName {
			return c.Value
		}
	}
	return ""
}

// IsAuthenticated reports whether any credential source looks valid: a
// non-expired bearer token, unexpired cached user metadata, or a session
// cookie observed for the server origin.
func (m *Manager) IsAuthenticated() bool {
	if m.Token() != nil {
		return true
	}
	if cred := m.session.Load(); cred != nil && cred.UserID != "" && !cred.Expired(m.now()) {
		return true
	}
	for _, c := range m.jar.Cookies(m.serverURL) {
		if c.Name == sessionCookieName {
			return true
		}
	}
	return false
}

// RefreshDelay computes how long to wait before proactively refreshing a
// credential expiring at the given time: max(0.8 * timeUntilExpiry, lead).
func (m *Manager) RefreshDelay(expiresAt time.Time) time.Duration {
	until := expiresAt.Sub(m.now())
	delay := until * 8 / 10
	if delay < m.cfg.MinRefreshLead {
		delay = m.cfg.MinRefreshLead
	}
	return delay
}

// scheduleRefresh (re)creates the one-shot refresh timer for a credential.
// Only one refresh timer is ever live: cancel-before-schedule.
func (m *Manager) scheduleRefresh(cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if cred.ExpiresAt.IsZero() {
		return
	}

	expiresAt := cred.ExpiresAt
	mode := cred.Mode
	delay := m.RefreshDelay(expiresAt)

	m.refreshTimer = m.afterFunc(delay, func() {
		if !m.now().Before(expiresAt) {
			m.HandleSessionExpiration("credential expired before refresh")
			return
		}
		if mode == ModeBearer {
			m.RefreshToken()
		} else {
			m.RefreshSession()
		}
	})
	m.logger.Debug("refresh scheduled", "mode", string(mode), "delay", delay)
}

func (m *Manager) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
}

// authoritative reports an auth failure that must not be retried.
func authoritative(err error) bool {
	if apiErr, ok := api.AsAPIError(err); ok {
		return apiErr.AuthFailure() || apiErr.SessionNotFound()
	}
	return false
}

// RefreshToken refreshes the bearer credential. Transient failures retry
// with linearly increasing delay up to MaxRetries; exhaustion falls back to
// VerifyServerSession. Authoritative rejections expire the session.
func (m *Manager) RefreshToken() {
	m.mu.Lock()
	a := m.api
	m.mu.Unlock()
	if a == nil {
		return
	}

	ctx, cancel := m.opContext()
	resp, err := a.RefreshToken(ctx)
	cancel()

	if err == nil {
		m.mu.Lock()
		m.tokenRetries = 0
		remember := m.remember
		m.mu.Unlock()
		m.StoreCredential(resp, remember)
		m.logger.Info("access token refreshed")
		return
	}

	if authoritative(err) {
		m.HandleSessionExpiration("token refresh rejected")
		return
	}

	if !api.Transient(err) {
		m.logger.Warn("token refresh failed with non-retryable error, verifying session", "error", err)
		if verr := m.VerifyServerSession(context.Background()); verr != nil {
			m.logger.Error("session verification after refresh failure", "error", verr)
		}
		return
	}

	m.mu.Lock()
	m.tokenRetries++
	attempt := m.tokenRetries
	m.mu.Unlock()

	if attempt > m.cfg.MaxRetries {
		m.mu.Lock()
		m.tokenRetries = 0
		m.mu.Unlock()
		m.logger.Warn("token refresh retries exhausted, verifying session", "error", err)
		if verr := m.VerifyServerSession(context.Background()); verr != nil {
			m.logger.Error("session verification after refresh failure", "error", verr)
		}
		return
	}

	delay := time.Duration(attempt) * m.cfg.RetryBaseDelay
	m.logger.Warn("token refresh failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	m.mu.Lock()
	if m.tokenRetryTimer != nil {
		m.tokenRetryTimer.Stop()
	}
	m.tokenRetryTimer = m.afterFunc(delay, m.RefreshToken)
	m.mu.Unlock()
}

// RefreshSession refreshes a cookie-mode session. Same retry policy as
// RefreshToken, with its own retry budget.
func (m *Manager) RefreshSession() {
	m.mu.Lock()
	a := m.api
	m.mu.Unlock()
	if a == nil {
		return
	}

	ctx, cancel := m.opContext()
	resp, err := a.RefreshSession(ctx)
	cancel()

	if err == nil {
		m.mu.Lock()
		m.sessionRetries = 0
		m.mu.Unlock()
		m.StoreSessionCredential(resp)
		m.logger.Info("session refreshed")
		return
	}

	if authoritative(err) {
		m.HandleSessionExpiration("session refresh rejected")
		return
	}

	if !api.Transient(err) {
		m.logger.Warn("session refresh failed with non-retryable error, verifying session", "error", err)
		if verr := m.VerifyServerSession(context.Background()); verr != nil {
			m.logger.Error("session verification after refresh failure", "error", verr)
		}
		return
	}

	m.mu.Lock()
	m.sessionRetries++
	attempt := m.sessionRetries
	m.mu.Unlock()

	if attempt > m.cfg.MaxRetries {
		m.mu.Lock()
		m.sessionRetries = 0
		m.mu.Unlock()
		m.logger.Warn("session refresh retries exhausted, verifying session", "error", err)
		if verr := m.VerifyServerSession(context.Background()); verr != nil {
			m.logger.Error("session verification after refresh failure", "error", verr)
		}
		return
	}

	delay := time.Duration(attempt) * m.cfg.RetryBaseDelay
	m.logger.Warn("session refresh failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	m.mu.Lock()
	if m.sessionRetryTimer != nil {
		m.sessionRetryTimer.Stop()
	}
	m.sessionRetryTimer = m.afterFunc(delay, m.RefreshSession)
	m.mu.Unlock()
}

// RefreshCSRFToken rotates the CSRF token. No-op when unauthenticated.
func (m *Manager) RefreshCSRFToken() {
	if !m.IsAuthenticated() {
		return
	}
	m.mu.Lock()
	a := m.api
	m.mu.Unlock()
	if a == nil {
		return
	}

	ctx, cancel := m.opContext()
	token, err := a.RefreshCSRF(ctx)
	cancel()

	if err == nil {
		m.mu.Lock()
		m.csrfRetries = 0
		m.mu.Unlock()
		m.storeCSRF(token)
		m.logger.Debug("csrf token rotated")
		return
	}

	if authoritative(err) {
		m.HandleSessionExpiration("csrf refresh rejected")
		return
	}

	if !api.Transient(err) {
		m.logger.Warn("csrf refresh failed with non-retryable error, verifying session", "error", err)
		if verr := m.VerifyServerSession(context.Background()); verr != nil {
			m.logger.Error("session verification after csrf failure", "error", verr)
		}
		return
	}

	m.mu.Lock()
	m.csrfRetries++
	attempt := m.csrfRetries
	m.mu.Unlock()

	if attempt > m.cfg.MaxRetries {
		m.mu.Lock()
		m.csrfRetries = 0
		m.mu.Unlock()
		m.logger.Warn("csrf refresh retries exhausted, verifying session", "error", err)
		if verr := m.VerifyServerSession(context.Background()); verr != nil {
			m.logger.Error("session verification after csrf failure", "error", verr)
		}
		return
	}

	delay := time.Duration(attempt) * m.cfg.RetryBaseDelay
	m.logger.Warn("csrf refresh failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	m.mu.Lock()
	if m.csrfRetryTimer != nil {
		m.csrfRetryTimer.Stop()
	}
	m.csrfRetryTimer = m.afterFunc(delay, m.RefreshCSRFToken)
	m.mu.Unlock()
}

// storeCSRF updates the CSRF token on whichever credential is stored.
func (m *Manager) storeCSRF(token string) {
	if cred := m.session.Load(); cred != nil {
		cred.CSRFToken = token
		_ = m.session.Save(cred)
		return
	}
	if cred := m.durable.Load(); cred != nil {
		cred.CSRFToken = token
		_ = m.durable.Save(cred)
		return
	}
	// No stored credential (pure cookie auth): keep it session-scoped.
	_ = m.session.Save(&Credential{Mode: ModeCookie, CSRFToken: token})
}

// VerifyServerSession probes the authenticated "who am I" endpoint. The
// server's answer is authoritative: an explicit rejection expires the local
// session; transient failures get one delayed retry before propagating.
func (m *Manager) VerifyServerSession(ctx context.Context) error {
	m.mu.Lock()
	a := m.api
	m.mu.Unlock()
	if a == nil {
		return errors.New("api client not configured")
	}

	me, err := a.Me(ctx)
	if err != nil && !authoritative(err) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.sleep(m.cfg.RetryBaseDelay):
		}
		me, err = a.Me(ctx)
	}

	if err != nil {
		if authoritative(err) {
			m.HandleSessionExpiration("server rejected session")
		}
		return err
	}

	if !me.Authenticated {
		m.HandleSessionExpiration("session not found on server")
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	m.tokenRetries = 0
	m.sessionRetries = 0
	m.mu.Unlock()

	m.RefreshCSRFToken()
	return nil
}

// StartSessionValidator begins a recurring probe of the server session.
// It only probes while locally authenticated.
func (m *Manager) StartSessionValidator(interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.ValidatorInterval
	}

	m.mu.Lock()
	if m.validatorStop != nil {
		close(m.validatorStop)
	}
	stop := make(chan struct{})
	m.validatorStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !m.IsAuthenticated() {
					continue
				}
				if err := m.VerifyServerSession(context.Background()); err != nil {
					m.logger.Debug("session validation probe failed", "error", err)
				}
			}
		}
	}()
}

// StopSessionValidator halts the recurring probe.
func (m *Manager) StopSessionValidator() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.validatorStop != nil {
		close(m.validatorStop)
		m.validatorStop = nil
	}
}

// HandleSessionExpiration clears all credential state and timers, notifies
// the server logout endpoint best-effort, then invokes the expiry handler.
func (m *Manager) HandleSessionExpiration(reason string) {
	m.mu.Lock()
	if m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = true

	for _, t := range []*time.Timer{m.refreshTimer, m.tokenRetryTimer, m.sessionRetryTimer, m.csrfRetryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.refreshTimer = nil
	m.tokenRetryTimer = nil
	m.sessionRetryTimer = nil
	m.csrfRetryTimer = nil

	if m.validatorStop != nil {
		close(m.validatorStop)
		m.validatorStop = nil
	}

	a := m.api
	handler := m.onExpired
	m.mu.Unlock()

	m.session.Clear()
	m.durable.Clear()
	m.expireCookies()

	m.logger.Info("session expired", "reason", reason)

	if a != nil {
		go func() {
			ctx, cancel := m.opContext()
			defer cancel()
			if err := a.Logout(ctx); err != nil {
				m.logger.Debug("best-effort logout failed", "error", err)
			}
		}()
	}

	if handler != nil {
		handler(reason)
	}
}

// expireCookies drops the session and CSRF cookies from the jar.
func (m *Manager) expireCookies() {
	expired := []*http.Cookie{
		{Name: sessionCookieName, Value: "", MaxAge: -1},
		{Name: csrfCookieName, Value: "", MaxAge: -1},
	}
	m.jar.SetCookies(m.serverURL, expired)
}

// RequireAuth ensures the client is authenticated, asking the server when
// local state says no. A server "yes" refreshes local state instead of
// forcing logout, which covers cross-process drift.
func (m *Manager) RequireAuth(ctx context.Context) error {
	if m.IsAuthenticated() {
		return nil
	}

	m.mu.Lock()
	a := m.api
	m.mu.Unlock()
	if a == nil {
		return ErrNotAuthenticated
	}

	me, err := a.Me(ctx)
	if err == nil && me.Authenticated {
		m.mu.Lock()
		m.expired = false
		m.mu.Unlock()
		_ = m.session.Save(&Credential{
			Mode:      ModeCookie,
			UserID:    me.UserID,
			Username:  me.Username,
			CSRFToken: me.CSRFToken,
		})
		m.logger.Debug("local auth state refreshed from server")
		return nil
	}

	m.HandleSessionExpiration("authentication required")
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	return ErrNotAuthenticated
}

// handleUnauthorized reacts to a 401 observed by the transport:
// verify-or-expire, off the request path.
func (m *Manager) handleUnauthorized() {
	go func() {
		ctx, cancel := m.opContext()
		defer cancel()
		if err := m.VerifyServerSession(ctx); err != nil {
			m.logger.Debug("verification after 401 failed", "error", err)
		}
	}()
}

// handleCSRFRejected reacts to a CSRF-invalid 403 observed by the transport.
func (m *Manager) handleCSRFRejected() {
	go m.RefreshCSRFToken()
}

// Close stops all timers and the validator. Credentials are left intact.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range []*time.Timer{m.refreshTimer, m.tokenRetryTimer, m.sessionRetryTimer, m.csrfRetryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	if m.validatorStop != nil {
		close(m.validatorStop)
		m.validatorStop = nil
	}
}
