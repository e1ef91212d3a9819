// internal/api/handlers.go
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aceteam-ai/greencert/internal/certificate"
	"github.com/aceteam-ai/greencert/internal/credential"
	"github.com/aceteam-ai/greencert/internal/oracle"
	"github.com/aceteam-ai/greencert/internal/store"
	"github.com/aceteam-ai/greencert/internal/telemetry"
)

// CertificateResponse is the certificate as returned to clients.
type CertificateResponse struct {
	CertificateID   string    `json:"certificate_id"`
	InferenceID     string    `json:"inference_id"`
	HardwareID      string    `json:"hardware_id"`
	ModelID         string    `json:"model_id"`
	Timestamp       time.Time `json:"timestamp"`
	EnergyUsedKWh   float64   `json:"energy_used_kwh"`
	CarbonIntensity float64   `json:"carbon_intensity_gco2_kwh"`
	CarbonSource    string    `json:"carbon_source"`
	TotalEmissions  float64   `json:"total_emissions_gco2"`
	GridRegion      string    `json:"grid_region"`
	Issuer          string    `json:"issuer"`
	IssuedAt        time.Time `json:"issued_at"`
	ContentHash     string    `json:"content_hash"`
	Signature       string    `json:"signature"`
}

func newCertificateResponse(c certificate.Certificate) CertificateResponse {
	return CertificateResponse{
		CertificateID:   c.CertificateID,
		InferenceID:     c.InferenceID,
		HardwareID:      c.NodeID,
		ModelID:         c.ModelID,
		Timestamp:       c.Timestamp,
		EnergyUsedKWh:   c.EnergyUsedKWh,
		CarbonIntensity: c.CarbonIntensity,
		CarbonSource:    string(c.CarbonSource),
		TotalEmissions:  c.TotalEmissions,
		GridRegion:      c.GridRegion,
		Issuer:          c.Issuer,
		IssuedAt:        c.IssuedAt,
		ContentHash:     c.ContentHash,
		Signature:       c.SignedContent,
	}
}

// ModelEmissionsResponse aggregates one model's certificates.
type ModelEmissionsResponse struct {
	ModelID        string  `json:"model_id"`
	TotalEmissions float64 `json:"total_emissions_gco2"`
	AvgEmissions   float64 `json:"avg_emissions_gco2"`
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
	InferenceCount int     `json:"inference_count"`
}

// HealthResponse reports liveness and store reachability.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// handleHealth returns a simple health check response.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health(r.Context()); err != nil {
		s.log("warning", "health: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Version: s.cfg.Version})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: s.cfg.Version})
}

// handleIngest accepts a signed reading and returns its certificate.
// POST /api/v1/telemetry
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var reading telemetry.Reading
	if !s.decode(w, r, &reading) {
		return
	}

	receipt, err := s.svc.Ingest(r.Context(), reading)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if receipt.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newCertificateResponse(receipt.Certificate))
}

// handleReading returns an ingested reading.
// GET /api/v1/telemetry/{inference_id}
func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	reading, err := s.svc.Reading(r.Context(), chi.URLParam(r, "inference_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// GET /api/v1/certificate/{inference_id}
func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.svc.Certificate(r.Context(), chi.URLParam(r, "inference_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCertificateResponse(cert))
}

// GET /api/v1/certificates?limit=&offset=
func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	certs, err := s.svc.ListCertificates(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]CertificateResponse, 0, len(certs))
	for _, c := range certs {
		out = append(out, newCertificateResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCredential returns the signed credential as JSON-LD.
// GET /api/v1/certificate/{inference_id}/vc
func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	vc, err := s.svc.Credential(r.Context(), chi.URLParam(r, "inference_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	doc, err := credential.Serialize(vc)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/ld+json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// POST /api/v1/certificate/{inference_id}/verify
func (s *Server) handleVerifyFor(w http.ResponseWriter, r *http.Request) {
	inferenceID := chi.URLParam(r, "inference_id")
	s.verify(w, r, func(vc credential.Credential) oracle.Verification {
		return s.svc.VerifyCredentialFor(inferenceID, vc)
	})
}

// POST /api/v1/credentials/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.verify(w, r, s.svc.VerifyCredential)
}

// verify answers {valid:false} for documents that are JSON but not a
// credential, and 422 for bodies that are not JSON at all.
func (s *Server) verify(w http.ResponseWriter, r *http.Request, check func(credential.Credential) oracle.Verification) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	vc, err := credential.Deserialize(body)
	if err != nil {
		if !errors.Is(err, credential.ErrMissingField) {
			s.writeServiceError(w, r, fmt.Errorf("%w: body is not a credential document", oracle.ErrMalformedInput))
			return
		}
		var partial struct {
			ID      string `json:"id"`
			Subject struct {
				ID string `json:"id"`
			} `json:"credentialSubject"`
		}
		json.Unmarshal(body, &partial)
		writeJSON(w, http.StatusOK, oracle.Verification{
			Valid:        false,
			VerifiedAt:   time.Now().UTC(),
			CredentialID: partial.ID,
			SubjectID:    partial.Subject.ID,
		})
		return
	}
	writeJSON(w, http.StatusOK, check(vc))
}

// GET /api/v1/model/{model_id}/emissions
func (s *Server) handleModelEmissions(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.ModelEmissions(r.Context(), chi.URLParam(r, "model_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ModelEmissionsResponse{
		ModelID:        sum.ModelID,
		TotalEmissions: sum.TotalEmissions,
		AvgEmissions:   sum.AvgEmissions,
		TotalEnergyKWh: sum.TotalEnergyKWh,
		InferenceCount: sum.Inferences,
	})
}

// handleComplianceExport streams the CSV compliance report.
// GET /api/v1/compliance/export?from=&to=
func (s *Server) handleComplianceExport(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	// Buffer so a failure can still be reported as a JSON error.
	var buf bytes.Buffer
	if _, err := s.svc.ExportCompliance(r.Context(), &buf, from, to); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=green_compute_compliance.csv")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// GET /api/v1/issuer
func (s *Server) handleIssuer(w http.ResponseWriter, r *http.Request) {
	iss, err := s.svc.Issuer()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

// POST /api/v1/nodes
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req oracle.EnrollRequest
	if !s.decode(w, r, &req) {
		return
	}
	// requireEnrollmentToken already checked the token when one is set.
	req.Rekey = s.cfg.EnrollmentToken != ""
	node, err := s.svc.Enroll(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// GET /api/v1/nodes
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.Nodes(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []store.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// DELETE /api/v1/nodes/{node_id}
func (s *Server) handleRevokeNode(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RevokeNode(r.Context(), chi.URLParam(r, "node_id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, oracle.CodeMalformedInput, "could not read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeServiceError(w, r, fmt.Errorf("%w: invalid JSON body", oracle.ErrMalformedInput))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", oracle.ErrMalformedInput, key)
	}
	return n, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", oracle.ErrMalformedInput, key)
	}
	return t, nil
}
