// internal/carbon/electricitymaps.go
package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ElectricityMapsConfig holds configuration for the Electricity Maps client.
type ElectricityMapsConfig struct {
	// BaseURL is the API root (default: https://api.electricitymap.org/v3)
	BaseURL string

	// APIKey is sent as the auth-token header
	APIKey string

	// Timeout bounds each HTTP request (default: 10s)
	Timeout time.Duration
}

// ElectricityMaps queries the latest carbon intensity for a zone.
type ElectricityMaps struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewElectricityMaps creates a new Electricity Maps client.
func NewElectricityMaps(cfg ElectricityMapsConfig) *ElectricityMaps {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.electricitymap.org/v3"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ElectricityMaps{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (e *ElectricityMaps) Name() string { return "electricitymaps" }

// Intensity returns gCO2/kWh for zone.
func (e *ElectricityMaps) Intensity(ctx context.Context, zone string) (float64, error) {
	if e.apiKey == "" {
		return 0, ErrNotConfigured
	}

	u, err := url.Parse(e.baseURL + "/carbon-intensity/latest")
	if err != nil {
		return 0, fmt.Errorf("invalid base URL: %w", err)
	}
	q := u.Query()
	q.Set("zone", zone)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("auth-token", e.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("electricitymaps request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("electricitymaps API returned status %d", resp.StatusCode)
	}

	var result struct {
		CarbonIntensity *float64 `json:"carbonIntensity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.CarbonIntensity == nil {
		return 0, ErrMissingField
	}
	return *result.CarbonIntensity, nil
}
