// internal/carbon/watttime.go
package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// WattTimeConfig holds configuration for the WattTime client.
type WattTimeConfig struct {
	// BaseURL is the API root (default: https://api2.watttime.org/v2)
	BaseURL string

	// Username and Password are exchanged for a bearer token at /login
	Username string
	Password string

	// Timeout bounds each HTTP request (default: 10s)
	Timeout time.Duration

	// LoginCooldown is how long to wait after a failed login before trying
	// again (default: 1m)
	LoginCooldown time.Duration
}

// WattTime queries the WattTime marginal emissions index.
//
// The bearer token is fetched lazily on first use and shared by all
// requests. Concurrent refreshes collapse into one login.
type WattTime struct {
	baseURL    string
	username   string
	password   string
	cooldown   time.Duration
	httpClient *http.Client

	mu         sync.RWMutex
	token      string
	retryAfter time.Time
	logins     singleflight.Group
	now        func() time.Time
}

// NewWattTime creates a new WattTime client.
func NewWattTime(cfg WattTimeConfig) *WattTime {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api2.watttime.org/v2"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.LoginCooldown == 0 {
		cfg.LoginCooldown = time.Minute
	}
	return &WattTime{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		cooldown:   cfg.LoginCooldown,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

func (w *WattTime) Name() string { return "watttime" }

// Intensity returns gCO2/kWh for a balancing authority. WattTime reports a
// 0-100 percentile which maps linearly onto 50-800 gCO2/kWh.
func (w *WattTime) Intensity(ctx context.Context, ba string) (float64, error) {
	token, err := w.ensureToken(ctx)
	if err != nil {
		return 0, err
	}

	u, err := url.Parse(w.baseURL + "/index")
	if err != nil {
		return 0, fmt.Errorf("invalid base URL: %w", err)
	}
	q := u.Query()
	q.Set("ba", ba)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("watttime request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		w.dropToken(token)
		return 0, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("watttime API returned status %d", resp.StatusCode)
	}

	var result struct {
		Percent *float64 `json:"percent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Percent == nil {
		return 0, ErrMissingField
	}
	return 50 + *result.Percent*7.5, nil
}

// ensureToken returns the cached token or performs a single shared login.
func (w *WattTime) ensureToken(ctx context.Context) (string, error) {
	if w.username == "" {
		return "", ErrNotConfigured
	}

	w.mu.RLock()
	token, retryAfter := w.token, w.retryAfter
	w.mu.RUnlock()
	if token != "" {
		return token, nil
	}
	if w.now().Before(retryAfter) {
		return "", ErrLoginCooldown
	}

	v, err, _ := w.logins.Do("login", func() (any, error) {
		w.mu.RLock()
		token := w.token
		w.mu.RUnlock()
		if token != "" {
			return token, nil
		}

		token, err := w.login(ctx)

		w.mu.Lock()
		defer w.mu.Unlock()
		if err != nil {
			w.retryAfter = w.now().Add(w.cooldown)
			return "", err
		}
		w.token = token
		w.retryAfter = time.Time{}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (w *WattTime) login(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/login", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(w.username, w.password)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("watttime login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("watttime login returned status %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("watttime login: %w", ErrMissingField)
	}
	return result.Token, nil
}

// dropToken forgets token unless another request already replaced it.
func (w *WattTime) dropToken(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token == token {
		w.token = ""
	}
}
