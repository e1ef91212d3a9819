// internal/carbon/resolver.go
package carbon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ResolverConfig holds configuration for the cascading resolver.
type ResolverConfig struct {
	// Primary is the regional provider (optional, typically WattTime)
	Primary Provider

	// PrimaryPrefixes are the region prefixes the primary covers (default: ["us-"])
	PrimaryPrefixes []string

	// Secondary is the global provider (optional, typically Electricity Maps)
	Secondary Provider

	// Tables holds code mappings and regional averages (default: DefaultTables())
	Tables *Tables

	// Timeout bounds each provider call (default: 10s)
	Timeout time.Duration

	// BreakerFailures is the consecutive failure count that opens a
	// provider's circuit (default: 3)
	BreakerFailures uint32

	// BreakerCooldown is how long an open circuit stays open (default: 30s)
	BreakerCooldown time.Duration

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

type tier struct {
	source   Source
	provider Provider
	code     func(region string) (string, bool)
	breaker  *gobreaker.CircuitBreaker
}

// Resolver resolves carbon intensity through the provider cascade. It never
// fails: the regional tables are the last tier. Samples are not cached.
type Resolver struct {
	tables  Tables
	tiers   []tier
	timeout time.Duration
	logFn   func(level, msg string)
	now     func() time.Time
}

// NewResolver creates a resolver. Tables are copied; later changes by the
// caller have no effect.
func NewResolver(cfg ResolverConfig) *Resolver {
	tables := DefaultTables()
	if cfg.Tables != nil {
		tables = cfg.Tables.Clone()
	}
	if tables.RegionalAverages == nil {
		tables.RegionalAverages = map[string]float64{}
	}
	// Rows that are not a positive intensity are dropped so the region falls
	// back to the default row; a bad default row uses the built-in value.
	var dropped []string
	for region, v := range tables.RegionalAverages {
		if validIntensity(v) {
			continue
		}
		if region == DefaultRegion {
			tables.RegionalAverages[DefaultRegion] = DefaultTables().RegionalAverages[DefaultRegion]
			continue
		}
		delete(tables.RegionalAverages, region)
		dropped = append(dropped, region)
	}
	if _, ok := tables.RegionalAverages[DefaultRegion]; !ok {
		tables.RegionalAverages[DefaultRegion] = DefaultTables().RegionalAverages[DefaultRegion]
	}
	if len(cfg.PrimaryPrefixes) == 0 {
		cfg.PrimaryPrefixes = []string{"us-"}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	r := &Resolver{
		tables:  tables,
		timeout: cfg.Timeout,
		logFn:   cfg.LogFn,
		now:     time.Now,
	}
	for _, region := range dropped {
		r.log("warning", "regional average for %s is not a positive intensity, using the default row", region)
	}

	prefixes := append([]string(nil), cfg.PrimaryPrefixes...)
	if cfg.Primary != nil {
		r.tiers = append(r.tiers, tier{
			source:   SourcePrimary,
			provider: cfg.Primary,
			code: func(region string) (string, bool) {
				region = normalizeRegion(region)
				for _, p := range prefixes {
					if strings.HasPrefix(region, p) {
						return tables.BalancingAuthority(region), true
					}
				}
				return "", false
			},
			breaker: r.newBreaker(cfg.Primary.Name(), cfg.BreakerFailures, cfg.BreakerCooldown),
		})
	}
	if cfg.Secondary != nil {
		r.tiers = append(r.tiers, tier{
			source:   SourceSecondary,
			provider: cfg.Secondary,
			code: func(region string) (string, bool) {
				return tables.Zone(region), true
			},
			breaker: r.newBreaker(cfg.Secondary.Name(), cfg.BreakerFailures, cfg.BreakerCooldown),
		})
	}

	return r
}

func (r *Resolver) newBreaker(name string, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Missing credentials, a login cool-down and the caller going away
			// say nothing about the provider's health.
			return err == nil ||
				errors.Is(err, ErrNotConfigured) ||
				errors.Is(err, ErrLoginCooldown) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log("warning", "carbon provider %s circuit %s -> %s", name, from, to)
		},
	})
}

// Resolve returns the carbon intensity for region. It always returns a
// sample; provider failures are logged and the cascade moves on.
func (r *Resolver) Resolve(ctx context.Context, region string) Sample {
	for _, t := range r.tiers {
		outcome := r.query(ctx, t, region)
		if outcome.OK() {
			r.log("info", "carbon intensity for %s: %.2f gCO2/kWh (source: %s, provider: %s)",
				region, outcome.Sample.Intensity, outcome.Sample.Source, outcome.Sample.Provider)
			return outcome.Sample
		}
		if !errors.Is(outcome.Err, ErrRegionNotSupported) {
			r.log("warning", "carbon provider %s failed for %s: %v", t.provider.Name(), region, outcome.Err)
		}
	}

	s := r.Fallback(region)
	r.log("info", "carbon intensity for %s: %.2f gCO2/kWh (source: %s)", region, s.Intensity, s.Source)
	return s
}

// Fallback resolves region from the static tables only.
func (r *Resolver) Fallback(region string) Sample {
	intensity, known := r.tables.Average(region)
	source := SourceRegionalAverage
	if !known {
		source = SourceDefault
	}
	return Sample{
		Region:    region,
		Intensity: intensity,
		Source:    source,
		Provider:  "table",
		Timestamp: r.now().UTC(),
	}
}

func validIntensity(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// KnownRegion reports whether region has its own row in the averages table.
func (r *Resolver) KnownRegion(region string) bool {
	return r.tables.Known(region)
}

// query runs one tier under its own timeout and circuit breaker.
func (r *Resolver) query(ctx context.Context, t tier, region string) Outcome {
	code, ok := t.code(region)
	if !ok {
		return Outcome{Err: ErrRegionNotSupported}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	v, err := t.breaker.Execute(func() (interface{}, error) {
		intensity, err := t.provider.Intensity(callCtx, code)
		if err != nil {
			return nil, err
		}
		if !validIntensity(intensity) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIntensity, intensity)
		}
		return intensity, nil
	})
	if err != nil {
		return Outcome{Err: err}
	}

	return Outcome{Sample: Sample{
		Region:    region,
		Intensity: v.(float64),
		Source:    t.source,
		Provider:  t.provider.Name(),
		Timestamp: r.now().UTC(),
	}}
}

func (r *Resolver) log(level, format string, args ...any) {
	if r.logFn != nil {
		r.logFn(level, fmt.Sprintf(format, args...))
	}
}
