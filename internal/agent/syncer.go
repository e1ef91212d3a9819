// internal/agent/syncer.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aceteam-ai/greencert/internal/telemetry"
)

// SubmitFunc delivers one reading to the oracle.
type SubmitFunc func(ctx context.Context, r telemetry.Reading) (Receipt, error)

// SyncerConfig holds configuration for the background syncer.
type SyncerConfig struct {
	// Outbox is the local reading database
	Outbox *Outbox

	// SubmitFn delivers readings to the oracle
	SubmitFn SubmitFunc

	// Interval between sync cycles (default: 30s)
	Interval time.Duration

	// BatchSize is the max readings per sync cycle (default: 50)
	BatchSize int

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// SyncResult summarizes one sync cycle.
type SyncResult struct {
	Delivered int
	Rejected  int
	Failed    int
}

// Syncer delivers pending outbox entries to the oracle.
type Syncer struct {
	outbox    *Outbox
	submitFn  SubmitFunc
	interval  time.Duration
	batchSize int
	logFn     func(level, msg string)
	kick      chan struct{}
}

// NewSyncer creates a new outbox syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 50
	}
	return &Syncer{
		outbox:    cfg.Outbox,
		submitFn:  cfg.SubmitFn,
		interval:  interval,
		batchSize: batchSize,
		logFn:     cfg.LogFn,
		kick:      make(chan struct{}, 1),
	}
}

// Start runs the sync loop until the context is cancelled.
func (s *Syncer) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SyncOnce(ctx)
		case <-s.kick:
			s.SyncOnce(ctx)
		}
	}
}

// Kick asks the loop to sync now without waiting for the next tick.
func (s *Syncer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SyncOnce performs a single sync cycle.
func (s *Syncer) SyncOnce(ctx context.Context) SyncResult {
	var res SyncResult

	entries, err := s.outbox.Pending(s.batchSize)
	if err != nil {
		s.log("warning", "outbox sync: query failed: %v", err)
		return res
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		receipt, err := s.submitFn(ctx, e.Reading)
		switch {
		case err == nil:
			if err := s.outbox.MarkDelivered(e.ID, receipt.CertificateID); err != nil {
				s.log("warning", "outbox sync: mark delivered failed: %v", err)
				continue
			}
			res.Delivered++
			s.log("success", "inference %s certified: %s (%.4f gCO2e, %s)",
				e.Reading.InferenceID, receipt.CertificateID, receipt.TotalEmissions, receipt.CarbonSource)
		case errors.Is(err, ErrRejected):
			if err := s.outbox.MarkRejected(e.ID, err.Error()); err != nil {
				s.log("warning", "outbox sync: mark rejected failed: %v", err)
				continue
			}
			res.Rejected++
			s.log("error", "inference %s rejected: %v", e.Reading.InferenceID, err)
		default:
			s.outbox.RecordFailure(e.ID, err.Error())
			res.Failed++
			s.log("warning", "inference %s not delivered, will retry: %v", e.Reading.InferenceID, err)
			// The oracle is likely down; the rest of the batch would fail too.
			return res
		}
	}
	return res
}

func (s *Syncer) log(level, format string, args ...any) {
	if s.logFn != nil {
		s.logFn(level, fmt.Sprintf(format, args...))
	}
}
