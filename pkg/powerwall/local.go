package powerwall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pwproxy/pwproxy/pkg/common"
	"github.com/pwproxy/pwproxy/pkg/config"
	"github.com/pwproxy/pwproxy/pkg/log"
	"github.com/pwproxy/pwproxy/pkg/storage"
)

const localLoginPath = "/api/login/Basic"

// Local talks to the gateway's HTTPS API on the LAN. The gateway serves a
// self-signed certificate, so the client skips verification.
type Local struct {
	client   *http.Client
	baseURL  string
	host     string
	password string
	email    string
	timezone string
	authMode string
	store    storage.Store

	// mu guards session and gen. gen increments on every successful login so
	// concurrent requests that all hit a 401 only trigger one fresh login.
	mu      sync.Mutex
	session storage.Session
	gen     uint64
}

// NewLocal returns an unauthenticated local backend for cfg.Host.
func NewLocal(cfg config.Config, store storage.Store) *Local {
	return &Local{
		client:   common.InsecureHTTPClient(cfg.NetTimeout(), cfg.PoolMaxSize),
		baseURL:  "https://" + cfg.Host,
		host:     cfg.Host,
		password: cfg.Password,
		email:    cfg.Email,
		timezone: cfg.Timezone,
		authMode: cfg.AuthMode,
		store:    store,
	}
}

// Host returns the gateway address.
func (l *Local) Host() string {
	return l.host
}

// Client returns the pooled HTTP client used against the gateway. The web
// proxy reuses it so browser traffic shares the same connection pool.
func (l *Local) Client() *http.Client {
	return l.client
}

// Authenticate restores a persisted session or logs in fresh. With no
// password configured it does nothing, only the unauthenticated endpoints
// will work in that case.
func (l *Local) Authenticate(ctx context.Context) error {
	if l.password == "" {
		log.Ctx(ctx).InfoContext(ctx, "no gateway password configured, running unauthenticated")
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.store.LoadSession(ctx)
	if err == nil && l.sessionUsable(s) {
		log.Ctx(ctx).DebugContext(ctx, "restored gateway session from cache")
		l.session = s
		l.gen++
		return nil
	}
	if err != nil && !errors.Is(err, storage.ErrNoSession) {
		return err
	}
	return l.loginLocked(ctx)
}

func (l *Local) sessionUsable(s storage.Session) bool {
	if l.authMode == config.AuthModeToken {
		return s.Token != ""
	}
	return s.AuthCookie != "" && s.UserRecord != ""
}

// loginLocked performs the password login. Callers hold mu.
func (l *Local) loginLocked(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"username": "customer",
		"password": l.password,
		"email":    l.email,
		"clientInfo": map[string]any{
			"timezone": l.timezone,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+localLoginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).ErrorContext(ctx, "gateway login rejected", slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: login status %d", ErrAuthFailed, resp.StatusCode)
	}

	var s storage.Session
	if l.authMode == config.AuthModeToken {
		var res struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil || res.Token == "" {
			return fmt.Errorf("%w: login response missing token", ErrBadPayload)
		}
		s.Token = res.Token
	} else {
		for _, c := range resp.Cookies() {
			switch c.Name {
			case "AuthCookie":
				s.AuthCookie = c.Value
			case "UserRecord":
				s.UserRecord = c.Value
			}
		}
		if s.AuthCookie == "" {
			return fmt.Errorf("%w: login response missing AuthCookie", ErrBadPayload)
		}
	}

	l.session = s
	l.gen++
	if err := l.store.SaveSession(ctx, s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist gateway session", slog.Any("error", err))
	}
	log.Ctx(ctx).DebugContext(ctx, "gateway login success", slog.String("host", l.host))
	return nil
}

// relogin refreshes an expired session. gen is the generation the caller saw
// when its request failed; if another goroutine already logged in since then
// the fresh session is reused instead of logging in again.
func (l *Local) relogin(ctx context.Context, gen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		return nil
	}
	log.Ctx(ctx).DebugContext(ctx, "gateway session expired, logging in again")
	l.session = storage.Session{}
	return l.loginLocked(ctx)
}

func (l *Local) snapshot() (storage.Session, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session, l.gen
}

// SessionCookies returns the current cookie pair for re-issue to browsers.
func (l *Local) SessionCookies() (authCookie, userRecord string) {
	s, _ := l.snapshot()
	return s.AuthCookie, s.UserRecord
}

// Authorize attaches the current session credentials to req. The web proxy
// uses this to forward browser traffic with our auth.
func (l *Local) Authorize(req *http.Request) {
	s, _ := l.snapshot()
	authorize(req, l.authMode, s)
}

func authorize(req *http.Request, authMode string, s storage.Session) {
	if authMode == config.AuthModeToken {
		if s.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.Token)
		}
		return
	}
	if s.AuthCookie != "" {
		req.AddCookie(&http.Cookie{Name: "AuthCookie", Value: s.AuthCookie})
	}
	if s.UserRecord != "" {
		req.AddCookie(&http.Cookie{Name: "UserRecord", Value: s.UserRecord})
	}
}

// Fetch retrieves one gateway API path. An expired session gets exactly one
// re-authentication and one retry before the failure surfaces as
// ErrAuthFailed.
func (l *Local) Fetch(ctx context.Context, api string) (json.RawMessage, error) {
	// we try up to 2 times because the session might have expired
	for i := 0; i < 2; i++ {
		s, gen := l.snapshot()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+api, nil)
		if err != nil {
			return nil, err
		}
		authorize(req, l.authMode, s)

		resp, err := l.client.Do(req)
		if err != nil {
			return nil, classifyTransportErr(err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, classifyTransportErr(err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			if !json.Valid(body) {
				log.Ctx(ctx).ErrorContext(ctx, "gateway returned invalid json",
					slog.String("api", api), slog.String("body", string(body)))
				return nil, fmt.Errorf("%w: %s", ErrBadPayload, api)
			}
			return body, nil
		case http.StatusUnauthorized, http.StatusForbidden:
			if i == 0 && l.password != "" {
				if err := l.relogin(ctx, gen); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("%w: status %d on %s", ErrAuthFailed, resp.StatusCode, api)
		case http.StatusNotFound:
			// Newer firmware removed some endpoints entirely.
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, api)
		default:
			return nil, fmt.Errorf("gateway status %d on %s", resp.StatusCode, api)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAuthFailed, api)
}
