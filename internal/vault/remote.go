package vault

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RemoteSession asks the signer gateway whether its vault session is
// unlocked. Responses are cached briefly so per-operation checks don't
// hammer the gateway; a transport failure reads as locked.
type RemoteSession struct {
	baseURL    string
	authToken  string
	httpClient *http.Client

	mu        sync.Mutex
	lastState bool
	lastCheck time.Time
	cacheTTL  time.Duration
}

// NewRemoteSession creates a session probe against the gateway base URL.
func NewRemoteSession(baseURL, authToken string, timeout time.Duration) *RemoteSession {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &RemoteSession{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
		cacheTTL:   2 * time.Second,
	}
}

// Unlocked reports the gateway's session state.
func (s *RemoteSession) Unlocked() bool {
	s.mu.Lock()
	if time.Since(s.lastCheck) < s.cacheTTL {
		state := s.lastState
		s.mu.Unlock()
		return state
	}
	s.mu.Unlock()

	state := s.probe()

	s.mu.Lock()
	s.lastState = state
	s.lastCheck = time.Now()
	s.mu.Unlock()

	return state
}

// RequireUnlocked implements Session.
func (s *RemoteSession) RequireUnlocked() error {
	if !s.Unlocked() {
		return ErrSessionLocked
	}
	return nil
}

func (s *RemoteSession) probe() bool {
	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/v1/session", nil)
	if err != nil {
		return false
	}
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("vault: session probe failed, treating as locked")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Unlocked bool `json:"unlocked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Unlocked
}
