// internal/oracle/report.go
package oracle

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aceteam-ai/greencert/internal/telemetry"
)

var complianceHeader = []string{
	"certificate_id",
	"inference_id",
	"node_id",
	"model_id",
	"timestamp",
	"issued_at",
	"grid_region",
	"energy_used_kwh",
	"carbon_intensity_gco2_kwh",
	"carbon_source",
	"total_emissions_gco2",
	"content_hash",
	"verified",
}

// ExportCompliance writes certificates issued in [from, to) as CSV, oldest
// first. A zero bound is open. Each row is re-verified against the issuer
// key, so the verified column reflects the stored bytes, not a flag.
func (s *Service) ExportCompliance(ctx context.Context, w io.Writer, from, to time.Time) (int, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return 0, fmt.Errorf("%w: from must be before to", ErrMalformedInput)
	}
	certs, err := s.store.CertificatesBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	pub := s.engine.PublicKey()
	cw := csv.NewWriter(w)
	if err := cw.Write(complianceHeader); err != nil {
		return 0, err
	}
	for _, c := range certs {
		verified := "yes"
		if err := c.Verify(pub); err != nil {
			verified = "no"
			s.log("warning", "compliance export: certificate %s fails verification: %v", c.CertificateID, err)
		}
		row := []string{
			c.CertificateID,
			c.InferenceID,
			c.NodeID,
			c.ModelID,
			telemetry.FormatTime(c.Timestamp),
			telemetry.FormatTime(c.IssuedAt),
			c.GridRegion,
			formatFloat(c.EnergyUsedKWh),
			formatFloat(c.CarbonIntensity),
			string(c.CarbonSource),
			formatFloat(c.TotalEmissions),
			c.ContentHash,
			verified,
		}
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(certs), cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
