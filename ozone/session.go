package ozone

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the server rejected a session token outright, and a fresh login is
// needed.
var ErrInvalidToken = errors.New("invalid session token")

// Access tokens expiring within this window are refreshed before use.
const DefaultAccessExpiryBuffer = 2 * time.Minute

type sessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	Did        string `json:"did"`
}

type createSessionRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Session is a password login, refreshed transparently before writes. It is safe for
// concurrent use.
type Session struct {
	AccessExpiryBuffer time.Duration

	client     *Client
	identifier string
	password   string

	lk           sync.Mutex
	auth         *sessionResponse
	accessExpiry time.Time
	now          func() time.Time
}

func NewSession(c *Client, identifier, password string) *Session {
	return &Session{
		AccessExpiryBuffer: DefaultAccessExpiryBuffer,
		client:             c,
		identifier:         identifier,
		password:           password,
		now:                time.Now,
	}
}

// DID of the logged-in account, or empty before the first login.
func (s *Session) DID() string {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.auth == nil {
		return ""
	}
	return s.auth.Did
}

// Login creates a new session, replacing any existing one.
func (s *Session) Login(ctx context.Context) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.login(ctx)
}

func (s *Session) login(ctx context.Context) error {
	var out sessionResponse
	body := createSessionRequest{Identifier: s.identifier, Password: s.password}
	if err := s.client.do(ctx, http.MethodPost, "com.atproto.server.createSession", "", nil, body, &out); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return s.update(&out)
}

func (s *Session) refresh(ctx context.Context) error {
	var out sessionResponse
	// NOTE: refresh token as bearer, not access token
	err := s.client.do(ctx, http.MethodPost, "com.atproto.server.refreshSession", s.auth.RefreshJwt, nil, nil, &out)
	if err != nil {
		var xe *XRPCError
		if errors.As(err, &xe) && (xe.ErrStr == "InvalidToken" || xe.ErrStr == "ExpiredToken") {
			return fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return fmt.Errorf("refreshing session: %w", err)
	}
	return s.update(&out)
}

func (s *Session) update(out *sessionResponse) error {
	exp, err := tokenExpiry(out.AccessJwt)
	if err != nil {
		return err
	}
	s.auth = out
	s.accessExpiry = exp
	return nil
}

// EnsureFresh returns a usable access token, logging in or refreshing first as needed. A
// refresh rejected as invalid falls back to a full login.
func (s *Session) EnsureFresh(ctx context.Context) (string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.auth == nil {
		if err := s.login(ctx); err != nil {
			return "", err
		}
		return s.auth.AccessJwt, nil
	}
	if s.accessExpiry.IsZero() || s.now().Add(s.AccessExpiryBuffer).Before(s.accessExpiry) {
		return s.auth.AccessJwt, nil
	}

	err := s.refresh(ctx)
	if errors.Is(err, ErrInvalidToken) {
		s.client.logger().Warn("session refresh rejected, logging in again", "err", err)
		err = s.login(ctx)
	}
	if err != nil {
		return "", err
	}
	return s.auth.AccessJwt, nil
}

// Reads the expiry claim of an access token. The signature is not checked: the token is only
// ever verified by the server which issued it. A token without an expiry returns zero time.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("access token expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
