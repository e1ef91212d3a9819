// Package telemetry defines the signed energy reading a node submits at the end
// of an inference session.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aceteam-ai/greencert/internal/canonical"
)

// Validation errors
var (
	// ErrMissingField indicates a required reading field is empty
	ErrMissingField = errors.New("missing required field")

	// ErrNegativeEnergy indicates energy_kwh is below zero
	ErrNegativeEnergy = errors.New("energy_kwh must be >= 0")

	// ErrInvalidNumber indicates a NaN or infinite numeric field
	ErrInvalidNumber = errors.New("numeric field must be finite")

	// ErrUtilizationRange indicates gpu_utilization is outside 0..100
	ErrUtilizationRange = errors.New("gpu_utilization must be between 0 and 100")
)

// Reading is one inference session's energy measurement as produced by the
// node agent. It is immutable once signed.
type Reading struct {
	NodeID         string    `json:"node_id"`
	ModelID        string    `json:"model_id"`
	InferenceID    string    `json:"inference_id"`
	Timestamp      time.Time `json:"timestamp"`
	EnergyKWh      float64   `json:"energy_kwh"`
	GPUUtilization float64   `json:"gpu_utilization"`
	Signature      string    `json:"signature"` // hex encoded
}

// Canonical returns the bytes the node signs: every field except the
// signature, keys sorted, timestamp as UTC RFC3339Nano.
func (r Reading) Canonical() ([]byte, error) {
	return canonical.Marshal(map[string]any{
		"node_id":         r.NodeID,
		"model_id":        r.ModelID,
		"inference_id":    r.InferenceID,
		"timestamp":       FormatTime(r.Timestamp),
		"energy_kwh":      r.EnergyKWh,
		"gpu_utilization": r.GPUUtilization,
	})
}

// Validate rejects readings that must never enter the pipeline.
func (r Reading) Validate() error {
	var missing []string
	if strings.TrimSpace(r.NodeID) == "" {
		missing = append(missing, "node_id")
	}
	if strings.TrimSpace(r.ModelID) == "" {
		missing = append(missing, "model_id")
	}
	if strings.TrimSpace(r.InferenceID) == "" {
		missing = append(missing, "inference_id")
	}
	if r.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if strings.TrimSpace(r.Signature) == "" {
		missing = append(missing, "signature")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	if math.IsNaN(r.EnergyKWh) || math.IsInf(r.EnergyKWh, 0) ||
		math.IsNaN(r.GPUUtilization) || math.IsInf(r.GPUUtilization, 0) {
		return ErrInvalidNumber
	}
	if r.EnergyKWh < 0 {
		return ErrNegativeEnergy
	}
	if r.GPUUtilization < 0 || r.GPUUtilization > 100 {
		return ErrUtilizationRange
	}
	return nil
}

// FormatTime renders t in the single timestamp format used on signed payloads.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
