// internal/store/records.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aceteam-ai/greencert/internal/telemetry"
)

// Node statuses
const (
	NodeActive  = "active"
	NodeRevoked = "revoked"
)

// Node is a Node Registry row: the identity and key a node signs with.
type Node struct {
	NodeID       string    `json:"node_id"`
	Hostname     string    `json:"hostname"`
	Region       string    `json:"region"`
	PublicKeyPEM string    `json:"public_key"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RegisterNode enrolls or re-enrolls a node. Re-enrollment updates the
// hostname and region of an active node. The stored key is only replaced
// when rekey is set; otherwise a conflicting key leaves the row untouched
// and the caller sees the stored key in the returned node. Revoked nodes
// are never updated.
func (s *Store) RegisterNode(ctx context.Context, n Node, rekey bool) (Node, error) {
	now := formatTime(s.now())
	_, err := s.exec(ctx, `
		INSERT INTO nodes (node_id, hostname, region, public_key_pem, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			hostname = excluded.hostname,
			region = excluded.region,
			public_key_pem = excluded.public_key_pem,
			updated_at = excluded.updated_at
		WHERE nodes.status <> ? AND (nodes.public_key_pem = excluded.public_key_pem OR ?)`,
		n.NodeID, n.Hostname, n.Region, n.PublicKeyPEM, NodeActive, now, now, NodeRevoked, rekey,
	)
	if err != nil {
		return Node{}, fmt.Errorf("register node: %w", err)
	}
	return s.Node(ctx, n.NodeID)
}

// Node returns the registry row for nodeID or ErrNodeNotFound.
func (s *Store) Node(ctx context.Context, nodeID string) (Node, error) {
	row := s.queryRow(ctx, `
		SELECT node_id, hostname, region, public_key_pem, status, created_at, updated_at
		FROM nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNodeNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("query node: %w", err)
	}
	return n, nil
}

// ListNodes returns all registered nodes ordered by id.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.query(ctx, `
		SELECT node_id, hostname, region, public_key_pem, status, created_at, updated_at
		FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// SetNodeStatus changes a node's status.
func (s *Store) SetNodeStatus(ctx context.Context, nodeID, status string) error {
	res, err := s.exec(ctx, `UPDATE nodes SET status = ?, updated_at = ? WHERE node_id = ?`,
		status, formatTime(s.now()), nodeID)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func scanNode(row scanner) (Node, error) {
	var n Node
	var created, updated string
	if err := row.Scan(&n.NodeID, &n.Hostname, &n.Region, &n.PublicKeyPEM, &n.Status, &created, &updated); err != nil {
		return Node{}, err
	}
	n.CreatedAt = parseTime(created)
	n.UpdatedAt = parseTime(updated)
	return n, nil
}

// SaveTelemetry records an ingested reading. The first write for an
// inference wins; repeats are ignored.
func (s *Store) SaveTelemetry(ctx context.Context, r telemetry.Reading, verified bool) error {
	v := 0
	if verified {
		v = 1
	}
	_, err := s.exec(ctx, `
		INSERT INTO telemetry_events (
			inference_id, node_id, model_id, timestamp, energy_kwh,
			gpu_utilization, signature, verified, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (inference_id) DO NOTHING`,
		r.InferenceID, r.NodeID, r.ModelID, formatTime(r.Timestamp), r.EnergyKWh,
		r.GPUUtilization, r.Signature, v, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// Telemetry returns the stored reading for inferenceID.
func (s *Store) Telemetry(ctx context.Context, inferenceID string) (telemetry.Reading, error) {
	var r telemetry.Reading
	var ts string
	err := s.queryRow(ctx, `
		SELECT inference_id, node_id, model_id, timestamp, energy_kwh, gpu_utilization, signature
		FROM telemetry_events WHERE inference_id = ?`, inferenceID).
		Scan(&r.InferenceID, &r.NodeID, &r.ModelID, &ts, &r.EnergyKWh, &r.GPUUtilization, &r.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Reading{}, ErrTelemetryNotFound
	}
	if err != nil {
		return telemetry.Reading{}, fmt.Errorf("query telemetry: %w", err)
	}
	r.Timestamp = parseTime(ts)
	return r, nil
}

// SaveCredential stores the signed credential document for an inference.
// Credentials are immutable: an existing document is kept.
func (s *Store) SaveCredential(ctx context.Context, inferenceID, certificateID string, document []byte) error {
	_, err := s.exec(ctx, `
		INSERT INTO credentials (inference_id, certificate_id, document, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (inference_id) DO NOTHING`,
		inferenceID, certificateID, string(document), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Credential returns the stored credential document for inferenceID.
func (s *Store) Credential(ctx context.Context, inferenceID string) ([]byte, error) {
	var doc string
	err := s.queryRow(ctx, `SELECT document FROM credentials WHERE inference_id = ?`, inferenceID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return []byte(doc), nil
}
