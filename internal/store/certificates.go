// internal/store/certificates.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aceteam-ai/greencert/internal/carbon"
	"github.com/aceteam-ai/greencert/internal/certificate"
)

const certificateColumns = `certificate_id, inference_id, node_id, model_id, timestamp,
       energy_used_kwh, carbon_intensity_gco2_kwh, carbon_source, total_emissions_gco2,
       grid_region, issuer, issued_at, content_hash, signed_content`

type scanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row scanner) (certificate.Certificate, error) {
	var c certificate.Certificate
	var ts, issuedAt, source string
	err := row.Scan(
		&c.CertificateID, &c.InferenceID, &c.NodeID, &c.ModelID, &ts,
		&c.EnergyUsedKWh, &c.CarbonIntensity, &source, &c.TotalEmissions,
		&c.GridRegion, &c.Issuer, &issuedAt, &c.ContentHash, &c.SignedContent,
	)
	if err != nil {
		return certificate.Certificate{}, err
	}
	c.Timestamp = parseTime(ts)
	c.IssuedAt = parseTime(issuedAt)
	c.CarbonSource = carbon.Source(source)
	return c, nil
}

// CertificateByInference returns the certificate for inferenceID or
// certificate.ErrNotFound.
func (s *Store) CertificateByInference(ctx context.Context, inferenceID string) (certificate.Certificate, error) {
	row := s.queryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE inference_id = ?`, inferenceID)
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return certificate.Certificate{}, certificate.ErrNotFound
	}
	if err != nil {
		return certificate.Certificate{}, fmt.Errorf("query certificate: %w", err)
	}
	return c, nil
}

// CreateCertificate inserts c unless its inference already has a
// certificate, then returns the stored row. The unique constraint on
// inference_id makes this a compare-and-swap across processes.
func (s *Store) CreateCertificate(ctx context.Context, c certificate.Certificate) (certificate.Certificate, bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO certificates (
			certificate_id, inference_id, node_id, model_id, timestamp,
			energy_used_kwh, carbon_intensity_gco2_kwh, carbon_source, total_emissions_gco2,
			grid_region, issuer, issued_at, content_hash, signed_content
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (inference_id) DO NOTHING`,
		c.CertificateID, c.InferenceID, c.NodeID, c.ModelID, formatTime(c.Timestamp),
		c.EnergyUsedKWh, c.CarbonIntensity, string(c.CarbonSource), c.TotalEmissions,
		c.GridRegion, c.Issuer, formatTime(c.IssuedAt), c.ContentHash, c.SignedContent,
	)
	if err != nil {
		return certificate.Certificate{}, false, fmt.Errorf("insert certificate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return certificate.Certificate{}, false, fmt.Errorf("insert certificate: %w", err)
	}

	stored, err := s.CertificateByInference(ctx, c.InferenceID)
	if err != nil {
		return certificate.Certificate{}, false, err
	}
	return stored, n == 1, nil
}

// ListCertificates returns certificates newest first.
func (s *Store) ListCertificates(ctx context.Context, limit, offset int) ([]certificate.Certificate, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.query(ctx, `
		SELECT `+certificateColumns+`
		FROM certificates
		ORDER BY issued_at DESC, certificate_id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	return collectCertificates(rows)
}

// CertificatesBetween returns certificates issued in [from, to), oldest first.
// A zero bound is open.
func (s *Store) CertificatesBetween(ctx context.Context, from, to time.Time) ([]certificate.Certificate, error) {
	lo := ""
	if !from.IsZero() {
		lo = formatTime(from)
	}
	hi := "9999"
	if !to.IsZero() {
		hi = formatTime(to)
	}
	rows, err := s.query(ctx, `
		SELECT `+certificateColumns+`
		FROM certificates
		WHERE issued_at >= ? AND issued_at < ?
		ORDER BY issued_at ASC, certificate_id ASC`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	return collectCertificates(rows)
}

// CountCertificates returns the number of issued certificates.
func (s *Store) CountCertificates(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM certificates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count certificates: %w", err)
	}
	return n, nil
}

// ModelSummary aggregates the emissions attributed to one model.
type ModelSummary struct {
	ModelID        string
	Inferences     int
	TotalEnergyKWh float64
	TotalEmissions float64
	AvgEmissions   float64
}

// ModelEmissions sums certificates for modelID. A model with no
// certificates yields a zero summary, not an error.
func (s *Store) ModelEmissions(ctx context.Context, modelID string) (ModelSummary, error) {
	sum := ModelSummary{ModelID: modelID}
	err := s.queryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(energy_used_kwh), 0), COALESCE(SUM(total_emissions_gco2), 0)
		FROM certificates
		WHERE model_id = ?`, modelID).Scan(&sum.Inferences, &sum.TotalEnergyKWh, &sum.TotalEmissions)
	if err != nil {
		return ModelSummary{}, fmt.Errorf("model emissions: %w", err)
	}
	if sum.Inferences > 0 {
		sum.AvgEmissions = sum.TotalEmissions / float64(sum.Inferences)
	}
	return sum, nil
}

func collectCertificates(rows *sql.Rows) ([]certificate.Certificate, error) {
	defer rows.Close()
	var certs []certificate.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}
