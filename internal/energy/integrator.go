// Package energy integrates sampled power draw into per-inference energy totals.
//
// Architecture:
//
//	PowerSampler ──(every poll)──▶ Meter ──▶ Integrator (kWh accumulator)
//	                                 ▲                │
//	           session boundary ─────┘                ▼ Flush()
//	         (timer / signal / caller)             Session
package energy

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// joulesPerKWh converts watt-seconds to kilowatt-hours.
const joulesPerKWh = 3_600_000.0

// Session is the energy measured between two session boundaries.
type Session struct {
	InferenceID     string
	EnergyKWh       float64
	Samples         int
	LastUtilization float64
	PeakUtilization float64
	StartedAt       time.Time
	EndedAt         time.Time
}

// Integrator accumulates power samples into kWh for the current session.
// Safe for concurrent use.
type Integrator struct {
	mu          sync.Mutex
	inferenceID string
	energyKWh   float64
	samples     int
	lastUtil    float64
	peakUtil    float64
	startedAt   time.Time
	now         func() time.Time
	newID       func() string
}

// NewIntegrator creates an integrator with a freshly minted inference id.
func NewIntegrator() *Integrator {
	i := &Integrator{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	i.reset()
	return i
}

// Integrate adds powerWatts held for interval to the accumulator and returns
// the cumulative energy in kWh. Negative or non-finite power counts as zero.
func (i *Integrator) Integrate(powerWatts float64, interval time.Duration) float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.energyKWh += stepKWh(powerWatts, interval)
	i.samples++
	return i.energyKWh
}

// Observe is Integrate plus a GPU utilization reading for the session summary.
func (i *Integrator) Observe(powerWatts, utilization float64, interval time.Duration) float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.energyKWh += stepKWh(powerWatts, interval)
	i.samples++
	if !math.IsNaN(utilization) && utilization >= 0 {
		i.lastUtil = math.Min(utilization, 100)
		i.peakUtil = math.Max(i.peakUtil, i.lastUtil)
	}
	return i.energyKWh
}

// EnergyKWh returns the current accumulator value.
func (i *Integrator) EnergyKWh() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.energyKWh
}

// InferenceID returns the id of the session currently being measured.
func (i *Integrator) InferenceID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inferenceID
}

// Flush closes the current session, returning its totals, then zeroes the
// accumulator and mints a new inference id.
func (i *Integrator) Flush() Session {
	i.mu.Lock()
	defer i.mu.Unlock()

	s := Session{
		InferenceID:     i.inferenceID,
		EnergyKWh:       i.energyKWh,
		Samples:         i.samples,
		LastUtilization: i.lastUtil,
		PeakUtilization: i.peakUtil,
		StartedAt:       i.startedAt,
		EndedAt:         i.now().UTC(),
	}
	i.reset()
	return s
}

// reset must be called with mu held (or before the integrator is shared).
func (i *Integrator) reset() {
	i.inferenceID = i.newID()
	i.energyKWh = 0
	i.samples = 0
	i.lastUtil = 0
	i.peakUtil = 0
	i.startedAt = i.now().UTC()
}

func stepKWh(powerWatts float64, interval time.Duration) float64 {
	if math.IsNaN(powerWatts) || math.IsInf(powerWatts, 0) || powerWatts < 0 {
		powerWatts = 0
	}
	if interval <= 0 {
		return 0
	}
	return powerWatts * interval.Seconds() / joulesPerKWh
}
