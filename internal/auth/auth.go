package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleUserInfo represents the user info returned by Google
type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	HD            string `json:"hd"` // Hosted domain (GSuite domain)
}

// Session represents an authenticated browser session
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity is the caller behind a request, before the operator check.
type Identity struct {
	Email  string
	Name   string
	Method string // "session", "token" or "open"
}

// AuthManager authenticates callers of the operator API. Browsers log in
// with Google OAuth; automation uses a bearer token from the allow-list.
type AuthManager struct {
	config       *config.AuthConfig
	oauth2Config *oauth2.Config
	userInfoURL  string

	operators map[string]bool
	tokens    map[string]string // token -> actor name

	sessions  map[string]*Session
	sessionMu sync.RWMutex
	now       func() time.Time
}

// NewAuthManager creates a new authentication manager
func NewAuthManager(cfg *config.AuthConfig, baseURL string) *AuthManager {
	redirect := cfg.RedirectURL
	if redirect == "" {
		redirect = strings.TrimRight(baseURL, "/") + "/auth/callback"
	}
	am := &AuthManager{
		config: cfg,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  redirect,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		userInfoURL: googleUserInfoURL,
		operators:   make(map[string]bool),
		tokens:      make(map[string]string),
		sessions:    make(map[string]*Session),
		now:         time.Now,
	}
	for _, e := range cfg.OperatorEmails {
		am.operators[strings.ToLower(strings.TrimSpace(e))] = true
	}
	for i, entry := range cfg.OperatorTokens {
		name, token, ok := strings.Cut(entry, "=")
		if !ok {
			name, token = fmt.Sprintf("token-%d", i+1), entry
		}
		if token != "" {
			am.tokens[token] = name
		}
	}
	if am.open() {
		log.Println("[Auth] WARNING: no OAuth or operator tokens configured, operator API is open")
	}
	return am
}

func (am *AuthManager) open() bool {
	return !am.config.Enabled && len(am.tokens) == 0
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HandleLogin initiates the Google OAuth flow
func (am *AuthManager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomToken()
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	if am.config.AllowedDomain != "" {
		opts = append(opts, oauth2.SetAuthURLParam("hd", am.config.AllowedDomain))
	}
	http.Redirect(w, r, am.oauth2Config.AuthCodeURL(state, opts...), http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth callback from Google
func (am *AuthManager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie("oauth_state")
	if err != nil || r.URL.Query().Get("state") != stateCookie.Value {
		logger.Warn("auth: oauth state mismatch")
		http.Redirect(w, r, "/?error=invalid_state", http.StatusTemporaryRedirect)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "oauth_state", Value: "", Path: "/", MaxAge: -1})

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		logger.Warn("auth: google returned error", "error", errMsg)
		http.Redirect(w, r, "/?error=oauth_denied", http.StatusTemporaryRedirect)
		return
	}

	token, err := am.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		logger.Warn("auth: code exchange failed", "error", err)
		http.Redirect(w, r, "/?error=exchange_failed", http.StatusTemporaryRedirect)
		return
	}

	userInfo, err := am.getUserInfo(r.Context(), token)
	if err != nil {
		logger.Warn("auth: user info failed", "error", err)
		http.Redirect(w, r, "/?error=userinfo_failed", http.StatusTemporaryRedirect)
		return
	}

	if am.config.AllowedDomain != "" {
		_, domain, _ := strings.Cut(userInfo.Email, "@")
		if !strings.EqualFold(domain, am.config.AllowedDomain) {
			logger.Warn("auth: domain not allowed", "email", userInfo.Email)
			http.Redirect(w, r, "/?error=domain_not_allowed", http.StatusTemporaryRedirect)
			return
		}
	}

	sessionID, err := randomToken()
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	now := am.now()
	session := &Session{
		UserID:    userInfo.ID,
		Email:     userInfo.Email,
		Name:      userInfo.Name,
		Picture:   userInfo.Picture,
		Domain:    userInfo.HD,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(am.config.CookieMaxAge) * time.Second),
	}
	am.sessionMu.Lock()
	am.sessions[sessionID] = session
	am.sessionMu.Unlock()

	log.Printf("[Auth] User logged in: %s", logger.RedactEmail(userInfo.Email))

	http.SetCookie(w, &http.Cookie{
		Name:     am.config.CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   am.config.CookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// HandleLogout logs out the user
func (am *AuthManager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(am.config.CookieName); err == nil {
		am.sessionMu.Lock()
		delete(am.sessions, cookie.Value)
		am.sessionMu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: am.config.CookieName, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// HandleUserInfo returns the current caller and whether they may operate
// campaigns.
func (am *AuthManager) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	id := am.Authenticate(r)
	if id == nil {
		httputil.JSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	httputil.OK(w, map[string]any{
		"authenticated": true,
		"operator":      am.IsOperator(id),
		"user": map[string]string{
			"email":  id.Email,
			"name":   id.Name,
			"method": id.Method,
		},
	})
}

// GetSession returns the session for the current request, or nil if not authenticated
func (am *AuthManager) GetSession(r *http.Request) *Session {
	cookie, err := r.Cookie(am.config.CookieName)
	if err != nil {
		return nil
	}

	am.sessionMu.RLock()
	session, exists := am.sessions[cookie.Value]
	am.sessionMu.RUnlock()
	if !exists {
		return nil
	}

	if am.now().After(session.ExpiresAt) {
		am.sessionMu.Lock()
		delete(am.sessions, cookie.Value)
		am.sessionMu.Unlock()
		return nil
	}
	return session
}

// Authenticate identifies the caller from a bearer token or a session
// cookie. It returns nil for anonymous requests.
func (am *AuthManager) Authenticate(r *http.Request) *Identity {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if name, ok := am.lookupToken(strings.TrimPrefix(h, "Bearer ")); ok {
			return &Identity{Email: name, Name: name, Method: "token"}
		}
		return nil
	}
	if s := am.GetSession(r); s != nil {
		return &Identity{Email: s.Email, Name: s.Name, Method: "session"}
	}
	if am.open() {
		return &Identity{Email: "anonymous", Name: "anonymous", Method: "open"}
	}
	return nil
}

func (am *AuthManager) lookupToken(presented string) (string, bool) {
	for token, name := range am.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			return name, true
		}
	}
	return "", false
}

// IsOperator reports whether id carries the operator role. Token holders
// are operators by construction; session users must be on the allow-list.
func (am *AuthManager) IsOperator(id *Identity) bool {
	switch id.Method {
	case "token", "open":
		return true
	default:
		return am.operators[strings.ToLower(id.Email)]
	}
}

// RequireOperator rejects anonymous callers with 401 and authenticated
// non-operators with 403. Accepted identities are stored on the request
// context.
func (am *AuthManager) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := am.Authenticate(r)
		if id == nil {
			httputil.Unauthorized(w)
			return
		}
		if !am.IsOperator(id) {
			logger.Warn("auth: operator role denied", "email", id.Email, "path", r.URL.Path)
			httputil.Forbidden(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by RequireOperator.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}

// getUserInfo fetches the user's profile from Google
func (am *AuthManager) getUserInfo(ctx context.Context, token *oauth2.Token) (*GoogleUserInfo, error) {
	client := am.oauth2Config.Client(ctx, token)
	resp, err := client.Get(am.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read user info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google API error (HTTP %d)", resp.StatusCode)
	}

	var userInfo GoogleUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("parse user info: %w", err)
	}
	if userInfo.Email == "" {
		return nil, fmt.Errorf("user info has no email")
	}
	return &userInfo, nil
}

// CleanupExpiredSessions removes expired sessions until ctx is cancelled.
func (am *AuthManager) CleanupExpiredSessions(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				am.sessionMu.Lock()
				now := am.now()
				for id, session := range am.sessions {
					if now.After(session.ExpiresAt) {
						delete(am.sessions, id)
					}
				}
				am.sessionMu.Unlock()
			}
		}
	}()
}
