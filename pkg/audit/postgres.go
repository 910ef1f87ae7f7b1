package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection settings for the Postgres backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

const postgresOpTimeout = 5 * time.Second

var _ Backend = (*PostgresBackend)(nil)

// PostgresBackend stores audit events in a single audit_events table so the
// trail survives restarts and can be queried with SQL.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend connects to Postgres and creates the audit_events table
// and its indexes if they do not exist.
func NewPostgresBackend(cfg PostgresConfig) (*PostgresBackend, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	b := &PostgresBackend{db: db}
	if err := b.initTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit table: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) initTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	table := `CREATE TABLE IF NOT EXISTS audit_events (
		event_id VARCHAR(36) PRIMARY KEY,
		event_type VARCHAR(32) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		actor VARCHAR(128) NOT NULL,
		target_service VARCHAR(128) NOT NULL,
		description TEXT NOT NULL,
		details JSONB,
		before_state JSONB,
		after_state JSONB,
		correlation_id VARCHAR(128)
	)`
	if _, err := b.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_service ON audit_events(target_service)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_correlation ON audit_events(correlation_id)`,
	}
	for _, index := range indexes {
		if _, err := b.db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) Append(event Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	details, err := marshalState(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	before, err := marshalState(event.BeforeState)
	if err != nil {
		return fmt.Errorf("failed to marshal before state: %w", err)
	}
	after, err := marshalState(event.AfterState)
	if err != nil {
		return fmt.Errorf("failed to marshal after state: %w", err)
	}

	query := `INSERT INTO audit_events (
		event_id, event_type, timestamp, actor, target_service,
		description, details, before_state, after_state, correlation_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = b.db.ExecContext(ctx, query,
		event.EventID,
		string(event.Type),
		event.Timestamp,
		event.Actor,
		event.TargetService,
		event.Description,
		details,
		before,
		after,
		nullString(event.CorrelationID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Search queries persisted events matching the filter, newest first.
func (b *PostgresBackend) Search(ctx context.Context, filter Filter) ([]Event, error) {
	query, args := buildSearchQuery(filter)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e             Event
			eventType     string
			details       []byte
			before        []byte
			after         []byte
			correlationID sql.NullString
		)
		if err := rows.Scan(
			&e.EventID, &eventType, &e.Timestamp, &e.Actor, &e.TargetService,
			&e.Description, &details, &before, &after, &correlationID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = EventType(eventType)
		e.CorrelationID = correlationID.String
		if err := unmarshalState(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details for %s: %w", e.EventID, err)
		}
		if err := unmarshalState(before, &e.BeforeState); err != nil {
			return nil, fmt.Errorf("failed to decode before state for %s: %w", e.EventID, err)
		}
		if err := unmarshalState(after, &e.AfterState); err != nil {
			return nil, fmt.Errorf("failed to decode after state for %s: %w", e.EventID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	return events, nil
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

func buildSearchQuery(filter Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	arg := 1

	addClause := func(clause string, value interface{}) {
		clauses = append(clauses, fmt.Sprintf(clause, arg))
		args = append(args, value)
		arg++
	}

	if filter.Type != "" {
		addClause("event_type = $%d", string(filter.Type))
	}
	if filter.TargetService != "" {
		addClause("target_service = $%d", filter.TargetService)
	}
	if filter.Actor != "" {
		addClause("actor = $%d", filter.Actor)
	}
	if filter.CorrelationID != "" {
		addClause("correlation_id = $%d", filter.CorrelationID)
	}
	if !filter.Start.IsZero() {
		addClause("timestamp >= $%d", filter.Start)
	}
	if !filter.End.IsZero() {
		addClause("timestamp <= $%d", filter.End)
	}

	query := `SELECT event_id, event_type, timestamp, actor, target_service,
		description, details, before_state, after_state, correlation_id
	FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	query += fmt.Sprintf(" LIMIT $%d", arg)
	args = append(args, limit)

	return query, args
}

func marshalState(state map[string]interface{}) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

func unmarshalState(data []byte, into *map[string]interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, into)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
