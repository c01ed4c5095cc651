package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// RESTSessionConfig configures the token-endpoint session.
type RESTSessionConfig struct {
	// BaseURL is the auth root, usually the same as the REST base.
	BaseURL string

	// APIKey is sent on every auth request.
	APIKey string

	// RefreshToken is the long-lived credential exchanged for sessions.
	RefreshToken string

	// Timeout per auth call (default 10s).
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// RESTSession implements Session over the backend's token endpoint. It
// caches the current session and only refreshes when asked or when the
// cached token has expired.
type RESTSession struct {
	cfg    RESTSessionConfig
	client *http.Client

	mu      sync.Mutex
	current *SessionInfo
}

// NewRESTSession creates a session client.
func NewRESTSession(cfg RESTSessionConfig) (*RESTSession, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RESTSession{cfg: cfg, client: client}, nil
}

// GetSession implements Session.GetSession. An expired or absent cached
// session returns an auth-classified error; it never refreshes implicitly.
func (s *RESTSession) GetSession(ctx context.Context) (*SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, WrapClass(ClassAuthExpired, fmt.Errorf("no session"))
	}
	if !s.current.ExpiresAt.IsZero() && time.Now().After(s.current.ExpiresAt) {
		return nil, WrapClass(ClassAuthExpired, fmt.Errorf("session expired at %s", s.current.ExpiresAt.Format(time.RFC3339)))
	}
	info := *s.current
	return &info, nil
}

// RefreshSession implements Session.RefreshSession.
func (s *RESTSession) RefreshSession(ctx context.Context) (*SessionInfo, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": s.cfg.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, WrapClass(ClassTransientNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, WrapClass(ClassTransientNetwork, fmt.Errorf("failed to read refresh response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		class := ClassAuthExpired
		if resp.StatusCode >= 500 {
			class = ClassTransientNetwork
		}
		return nil, WrapClass(class, fmt.Errorf("refresh failed: status %d: %s", resp.StatusCode, truncate(data, 256)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		User        struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, WrapClass(ClassTransientNetwork, fmt.Errorf("malformed refresh response: %w", err))
	}

	info := &SessionInfo{
		ActorID:   payload.User.ID,
		Token:     payload.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}

	s.mu.Lock()
	s.current = info
	s.mu.Unlock()

	out := *info
	return &out, nil
}

// Token returns the cached bearer token, or empty when there is none. Fits
// the Token callback fields on RESTConfig and WSChannelConfig.
func (s *RESTSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}
