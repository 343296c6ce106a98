// Package osm implements the OpenStreetMap OAuth bridge: it starts the
// authorization-code flow, exchanges the callback code for an OSM access
// token, provisions the matching user record in the tree, and hands the
// mobile app a signed session token via deep link.
package osm

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/mapswipe/mapswipe-workers/internal/config"
	"github.com/mapswipe/mapswipe-workers/internal/store"
)

const (
	stateCookie   = "osm_auth_state"
	stateTTL      = 10 * time.Minute
	tokenTTL      = 30 * 24 * time.Hour
	oauthScope    = "read_prefs"
	clientTimeout = 15 * time.Second
)

// ErrBadToken is returned by VerifyToken for malformed, forged, or
// expired session tokens.
var ErrBadToken = errors.New("invalid session token")

// Server bridges the OSM OAuth flow onto the tree.
type Server struct {
	cfg    config.OSM
	store  *store.Store
	client *http.Client
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHTTPClient overrides the outbound client, used by tests to point
// at a fake provider.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds the bridge on a store.
func NewServer(cfg config.OSM, st *store.Store, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: clientTimeout},
		now:    time.Now,
		log:    slog.Default().With("component", "osm"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// App assembles the fiber application with metrics and health endpoints.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(recover.New())

	prometheus := fiberprometheus.New("mapswipe_osm")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/v1/osm")
	v1.Get("/redirect", s.handleRedirect)
	v1.Get("/token", s.handleToken)

	return app
}

// handleRedirect starts the flow: mint a state nonce, pin it in a
// cookie, and send the browser to the OSM authorization page.
func (s *Server) handleRedirect(c *fiber.Ctx) error {
	state, err := newState()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "generating state")
	}

	c.Cookie(&fiber.Cookie{
		Name:     stateCookie,
		Value:    state,
		Expires:  s.now().Add(stateTTL),
		HTTPOnly: true,
		Secure:   true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})

	q := url.Values{}
	q.Set("client_id", s.cfg.ClientID)
	q.Set("redirect_uri", s.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", oauthScope)
	q.Set("state", state)

	return c.Redirect(s.cfg.AuthURL+"?"+q.Encode(), fiber.StatusFound)
}

// handleToken finishes the flow: check the state nonce against the
// cookie, exchange the code, fetch the OSM profile, provision the user
// record, and deep-link back into the app with a signed session token.
func (s *Server) handleToken(c *fiber.Ctx) error {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing state or code")
	}
	if cookie := c.Cookies(stateCookie); subtle.ConstantTimeCompare([]byte(cookie), []byte(state)) != 1 {
		return fiber.NewError(fiber.StatusForbidden, "state mismatch")
	}
	c.ClearCookie(stateCookie)

	ctx := c.UserContext()
	accessToken, err := s.exchangeCode(ctx, code)
	if err != nil {
		s.log.Error("code exchange failed", "error", err)
		return fiber.NewError(fiber.StatusBadGateway, "token exchange failed")
	}

	profile, err := s.fetchProfile(ctx, accessToken)
	if err != nil {
		s.log.Error("profile fetch failed", "error", err)
		return fiber.NewError(fiber.StatusBadGateway, "profile fetch failed")
	}

	userID := "osm:" + strconv.FormatInt(profile.ID, 10)
	if err := s.provisionUser(ctx, userID, profile.DisplayName); err != nil {
		s.log.Error("user provisioning failed", "user_id", userID, "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "user provisioning failed")
	}

	token := s.mintToken(userID)
	q := url.Values{}
	q.Set("token", token)
	q.Set("username", profile.DisplayName)

	sep := "?"
	if strings.Contains(s.cfg.AppDeepLink, "?") {
		sep = "&"
	}
	return c.Redirect(s.cfg.AppDeepLink+sep+q.Encode(), fiber.StatusFound)
}

type osmProfile struct {
	ID          int64
	DisplayName string
}

func (s *Server) exchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	form.Set("redirect_uri", s.cfg.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}
	return payload.AccessToken, nil
}

func (s *Server) fetchProfile(ctx context.Context, accessToken string) (osmProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ProfileURL, nil)
	if err != nil {
		return osmProfile{}, fmt.Errorf("building profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return osmProfile{}, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return osmProfile{}, fmt.Errorf("profile endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		User struct {
			ID          int64  `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"user"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return osmProfile{}, fmt.Errorf("parsing profile response: %w", err)
	}
	if payload.User.ID == 0 {
		return osmProfile{}, fmt.Errorf("profile response has no user id")
	}
	return osmProfile{ID: payload.User.ID, DisplayName: payload.User.DisplayName}, nil
}

// provisionUser creates the user record on first login and refreshes the
// username on every later login. Counters are left alone either way.
func (s *Server) provisionUser(ctx context.Context, userID, username string) error {
	existing, err := s.store.Read(ctx, store.Join("users", userID))
	if err != nil {
		return err
	}
	if existing == nil {
		return s.store.Set(ctx, store.Join("users", userID), map[string]any{
			"username": username,
			"created":  s.now().UTC().Format(time.RFC3339),
		})
	}
	return s.store.Update(ctx, store.Join("users", userID), map[string]any{
		"username": username,
	})
}

// mintToken signs userID and an expiry with HMAC-SHA256. Format:
// base64url(userID).expiryUnix.base64url(sig).
func (s *Server) mintToken(userID string) string {
	expiry := s.now().Add(tokenTTL).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(userID)) + "." + strconv.FormatInt(expiry, 10)
	return payload + "." + sign(payload, s.cfg.TokenSecret)
}

// VerifyToken checks a session token's signature and expiry and returns
// the embedded user ID.
func VerifyToken(token, secret string, now time.Time) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrBadToken
	}
	payload := parts[0] + "." + parts[1]
	if subtle.ConstantTimeCompare([]byte(sign(payload, secret)), []byte(parts[2])) != 1 {
		return "", ErrBadToken
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || now.Unix() > expiry {
		return "", ErrBadToken
	}
	userID, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrBadToken
	}
	return string(userID), nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
