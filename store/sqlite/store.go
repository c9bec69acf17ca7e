package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/store"
	"github.com/nomis52/goactivate/topology"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	DB *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens the database at path and returns a store on it.
func New(path string, cfg Config) (*Store, error) {
	db, err := Open(path, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) SaveTopology(ctx context.Context, t *topology.Topology) error {
	if t.ID == "" {
		return fmt.Errorf("topology id is required")
	}
	doc, err := json.Marshal(t.Document())
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO topologies (id, document, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		t.ID, string(doc), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save topology: %w", err)
	}
	return nil
}

func (s *Store) ListTopologies(ctx context.Context) ([]*topology.Topology, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT document FROM topologies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list topologies: %w", err)
	}
	defer rows.Close()

	var result []*topology.Topology
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan topology: %w", err)
		}
		t, err := decodeTopology(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) FindDeployedInstanceByTopologyID(ctx context.Context, topologyID string) (*topology.Topology, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT document FROM topologies WHERE id = ?`, topologyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("topology %q: %w", topologyID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get topology: %w", err)
	}
	return decodeTopology(raw)
}

func (s *Store) UpdateDeploymentState(ctx context.Context, entityID int64, itemType string, state lifecycle.DeploymentState, message string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO item_states (entity_id, item_type, state, message, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id, item_type) DO UPDATE SET
		   state = excluded.state, message = excluded.message, updated_at = excluded.updated_at`,
		entityID, itemType, string(state), message, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("update deployment state: %w", err)
	}
	return nil
}

func (s *Store) ItemState(ctx context.Context, entityID int64, itemType string) (store.ItemState, error) {
	var (
		state, message, updated string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT state, message, updated_at FROM item_states WHERE entity_id = ? AND item_type = ?`,
		entityID, itemType,
	).Scan(&state, &message, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ItemState{}, fmt.Errorf("entity %d of type %s: %w", entityID, itemType, store.ErrNotFound)
	}
	if err != nil {
		return store.ItemState{}, fmt.Errorf("get item state: %w", err)
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return store.ItemState{}, err
	}
	return store.ItemState{
		EntityID:  entityID,
		ItemType:  itemType,
		State:     lifecycle.DeploymentState(state),
		Message:   message,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *Store) SetAndPersistStatus(ctx context.Context, topologyID string, state lifecycle.DeploymentState, message string, percent int) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO topology_statuses (topology_id, state, message, percent, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(topology_id) DO UPDATE SET
		   state = excluded.state, message = excluded.message, percent = excluded.percent, updated_at = excluded.updated_at`,
		topologyID, string(state), message, percent, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	return nil
}

func (s *Store) Status(ctx context.Context, topologyID string) (store.TopologyStatus, error) {
	var (
		state, message, updated string
		percent                 int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT state, message, percent, updated_at FROM topology_statuses WHERE topology_id = ?`,
		topologyID,
	).Scan(&state, &message, &percent, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TopologyStatus{}, fmt.Errorf("status of topology %q: %w", topologyID, store.ErrNotFound)
	}
	if err != nil {
		return store.TopologyStatus{}, fmt.Errorf("get status: %w", err)
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return store.TopologyStatus{}, err
	}
	return store.TopologyStatus{
		TopologyID: topologyID,
		State:      lifecycle.DeploymentState(state),
		Message:    message,
		Percent:    percent,
		UpdatedAt:  updatedAt,
	}, nil
}

func decodeTopology(raw string) (*topology.Topology, error) {
	var doc topology.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal topology: %w", err)
	}
	return doc.Build()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
