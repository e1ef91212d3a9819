// Package carbon resolves the grid carbon intensity for a region.
//
// Resolution is a cascade of tiers tried in order until one yields a usable
// value:
//
//	primary (WattTime, prefixed regions) ─▶ secondary (Electricity Maps)
//	        ─▶ regional average table ─▶ default entry
//
// Provider failures never leave the resolver; the tables always answer.
package carbon

import (
	"context"
	"errors"
	"time"
)

// Source tags which tier produced a sample.
type Source string

const (
	SourcePrimary         Source = "primary"
	SourceSecondary       Source = "secondary"
	SourceRegionalAverage Source = "regional_average"
	SourceDefault         Source = "default"
)

// Sample is one carbon intensity resolution.
type Sample struct {
	Region    string    `json:"region"`
	Intensity float64   `json:"intensity_gco2_per_kwh"`
	Source    Source    `json:"source"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the result of one tier: either a sample or the reason it failed.
type Outcome struct {
	Sample Sample
	Err    error
}

// OK reports whether the tier produced a usable sample.
func (o Outcome) OK() bool { return o.Err == nil }

// Provider queries an external intensity API for a provider-specific code
// (balancing authority, zone).
type Provider interface {
	Name() string
	Intensity(ctx context.Context, code string) (float64, error)
}

var (
	// ErrNotConfigured is returned when a provider has no credentials
	ErrNotConfigured = errors.New("provider not configured")

	// ErrUnauthorized is returned when a provider rejects our credentials
	ErrUnauthorized = errors.New("provider rejected credentials")

	// ErrLoginCooldown is returned while a failed login is cooling down
	ErrLoginCooldown = errors.New("provider login cooling down")

	// ErrMissingField is returned when a response lacks the intensity field
	ErrMissingField = errors.New("intensity missing from response")

	// ErrInvalidIntensity is returned for zero, negative or non-finite values
	ErrInvalidIntensity = errors.New("invalid intensity")

	// ErrRegionNotSupported is returned when a tier does not cover the region
	ErrRegionNotSupported = errors.New("region not supported by tier")
)
