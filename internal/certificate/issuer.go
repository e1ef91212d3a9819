// internal/certificate/issuer.go
package certificate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/carbon"
	"github.com/aceteam-ai/greencert/internal/emission"
	"github.com/aceteam-ai/greencert/internal/retry"
	"github.com/aceteam-ai/greencert/internal/telemetry"
	"github.com/google/uuid"
)

// lockStripes is the number of per-inference mutexes.
const lockStripes = 64

// Repository is the certificate side of the persistence store.
type Repository interface {
	// CertificateByInference returns ErrNotFound when none exists.
	CertificateByInference(ctx context.Context, inferenceID string) (Certificate, error)

	// CreateCertificate inserts c unless a certificate for c.InferenceID
	// already exists, and returns whichever is stored. created is false when
	// an existing certificate won.
	CreateCertificate(ctx context.Context, c Certificate) (stored Certificate, created bool, err error)
}

// IssuerConfig holds configuration for the issuer.
type IssuerConfig struct {
	// Signer signs certificate content; required
	Signer attest.Signer

	// Repository stores certificates; required
	Repository Repository

	// Name is the issuer string (default: DefaultIssuerName)
	Name string

	// Retry bounds store retries (default: retry.DefaultPolicy())
	Retry retry.Policy

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Issuer mints certificates with exactly-once semantics per inference id:
// an in-process striped lock serializes issuance for the same id and the
// store's compare-and-swap insert settles races between processes.
type Issuer struct {
	signer attest.Signer
	repo   Repository
	name   string
	retry  retry.Policy
	logFn  func(level, msg string)
	now    func() time.Time
	newID  func() string

	locks [lockStripes]sync.Mutex
}

// NewIssuer creates a new issuer.
func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.Name == "" {
		cfg.Name = DefaultIssuerName
	}
	return &Issuer{
		signer: cfg.Signer,
		repo:   cfg.Repository,
		name:   cfg.Name,
		retry:  cfg.Retry,
		logFn:  cfg.LogFn,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Name returns the issuer string.
func (i *Issuer) Name() string { return i.name }

// Issue returns the certificate for reading, creating it if none exists.
// created reports whether this call minted it. The reading must already be
// validated and authenticated.
func (i *Issuer) Issue(ctx context.Context, reading telemetry.Reading, sample carbon.Sample) (Certificate, bool, error) {
	mu := i.lockFor(reading.InferenceID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := i.lookup(ctx, reading.InferenceID)
	if err == nil {
		i.log("info", "certificate %s already issued for inference %s", existing.CertificateID, reading.InferenceID)
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Certificate{}, false, err
	}

	cert, err := Certificate{
		CertificateID:   i.newID(),
		InferenceID:     reading.InferenceID,
		NodeID:          reading.NodeID,
		ModelID:         reading.ModelID,
		Timestamp:       reading.Timestamp.UTC(),
		EnergyUsedKWh:   reading.EnergyKWh,
		CarbonIntensity: sample.Intensity,
		CarbonSource:    sample.Source,
		TotalEmissions:  emission.Calculate(reading.EnergyKWh, sample.Intensity),
		GridRegion:      sample.Region,
		Issuer:          i.name,
		IssuedAt:        i.now().UTC(),
	}.Seal(i.signer)
	if err != nil {
		return Certificate{}, false, fmt.Errorf("failed to sign certificate: %w", err)
	}

	var stored Certificate
	var created bool
	err = i.retry.Do(ctx, func() error {
		var err error
		stored, created, err = i.repo.CreateCertificate(ctx, cert)
		return err
	}, func(err error, wait time.Duration) {
		i.log("warning", "certificate store failed for %s (retry in %s): %v", reading.InferenceID, wait, err)
	})
	if err != nil {
		i.log("error", "certificate store unavailable for %s: %v", reading.InferenceID, err)
		return Certificate{}, false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if created {
		i.log("success", "issued certificate %s for inference %s (%.6f gCO2)", stored.CertificateID, stored.InferenceID, stored.TotalEmissions)
	} else {
		i.log("info", "certificate %s won a concurrent issuance for inference %s", stored.CertificateID, stored.InferenceID)
	}
	return stored, created, nil
}

// lookup reads the existing certificate, retrying store errors.
func (i *Issuer) lookup(ctx context.Context, inferenceID string) (Certificate, error) {
	var cert Certificate
	err := i.retry.Do(ctx, func() error {
		var err error
		cert, err = i.repo.CertificateByInference(ctx, inferenceID)
		if errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		i.log("warning", "certificate lookup failed for %s (retry in %s): %v", inferenceID, wait, err)
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return cert, err
	}
	return Certificate{}, fmt.Errorf("%w: %v", ErrPersistence, err)
}

func (i *Issuer) lockFor(inferenceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(inferenceID))
	return &i.locks[h.Sum32()%lockStripes]
}

func (i *Issuer) log(level, format string, args ...any) {
	if i.logFn != nil {
		i.logFn(level, fmt.Sprintf(format, args...))
	}
}
