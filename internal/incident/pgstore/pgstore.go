// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL. State transitions are expressed as
// conditional UPDATEs so the database provides the per-incident serialization
// the Store contract requires.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema against an existing pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, endpoint, url, kind, state, severity, opened_at, resolved_at,
	status_code, latency_ms, error_msg, bundle, hypotheses, confidence_label, notifications, escalate_after`

// Open inserts a new incident unless a live one exists for the endpoint, in
// which case the live record is returned with reused=true. The partial unique
// index on (endpoint, kind) backs the one-live-incident invariant.
func (s *Store) Open(ctx context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	ctx, span := s.span(ctx, "pgstore.Open", "INSERT")
	defer span.End()

	query := `INSERT INTO incidents (
		id, endpoint, url, kind, state, severity, opened_at,
		status_code, latency_ms, error_msg
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		inc.ID, inc.Endpoint, inc.URL, string(inc.Kind), string(inc.State), string(inc.Severity),
		inc.OpenedAt, inc.StatusCode, inc.LatencyMS, inc.ErrorMsg,
	)
	if err != nil {
		return nil, false, s.fail(span, fmt.Errorf("insert incident: %w", err))
	}
	if tag.RowsAffected() == 1 {
		cp := *inc
		return &cp, false, nil
	}

	// Conflict: an incident is already live for this endpoint. Reuse it.
	existing, ok, err := s.OpenForEndpoint(ctx, inc.Endpoint, inc.Kind)
	if err != nil {
		return nil, false, s.fail(span, err)
	}
	if !ok {
		// The live incident resolved between the insert and the lookup.
		return nil, false, s.fail(span, incident.ErrConflict)
	}
	return existing, true, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, error) {
	ctx, span := s.span(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incident.ErrNotFound
		}
		return nil, s.fail(span, err)
	}
	return inc, nil
}

// OpenForEndpoint returns the live incident of the given kind for an endpoint.
func (s *Store) OpenForEndpoint(ctx context.Context, endpoint string, kind incident.Kind) (*incident.Incident, bool, error) {
	ctx, span := s.span(ctx, "pgstore.OpenForEndpoint", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE endpoint = $1 AND kind = $2 AND state <> 'resolved'`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, endpoint, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, s.fail(span, err)
	}
	return inc, true, nil
}

// Transition applies a compare-and-set state change.
func (s *Store) Transition(ctx context.Context, id string, from, to incident.State) error {
	ctx, span := s.span(ctx, "pgstore.Transition", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET state = $3 WHERE id = $1 AND state = $2`,
		id, string(from), string(to))
	if err != nil {
		return s.fail(span, fmt.Errorf("transition: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if err := s.exists(ctx, id); err != nil {
			return err
		}
		return incident.ErrConflict
	}
	return nil
}

// Resolve moves an incident to resolved from any non-resolved state.
func (s *Store) Resolve(ctx context.Context, id string, at time.Time) error {
	ctx, span := s.span(ctx, "pgstore.Resolve", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET state = 'resolved', resolved_at = $2
		 WHERE id = $1 AND state <> 'resolved'`,
		id, at)
	if err != nil {
		return s.fail(span, fmt.Errorf("resolve: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return s.exists(ctx, id) // already resolved is a no-op
	}
	return nil
}

// AttachBundle attaches the diagnostic bundle exactly once.
func (s *Store) AttachBundle(ctx context.Context, id string, b *incident.Bundle) error {
	ctx, span := s.span(ctx, "pgstore.AttachBundle", "UPDATE")
	defer span.End()

	bundleJSON, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET bundle = $2 WHERE id = $1 AND bundle IS NULL`,
		id, bundleJSON)
	if err != nil {
		return s.fail(span, fmt.Errorf("attach bundle: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if err := s.exists(ctx, id); err != nil {
			return err
		}
		return incident.ErrConflict
	}
	return nil
}

// AttachHypotheses records the ranked hypotheses, confidence label, and
// the severity derived from the analysis.
func (s *Store) AttachHypotheses(ctx context.Context, id string, hs []incident.Hypothesis, label string, sev incident.Severity) error {
	ctx, span := s.span(ctx, "pgstore.AttachHypotheses", "UPDATE")
	defer span.End()

	hsJSON, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("marshal hypotheses: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET hypotheses = $2, confidence_label = $3, severity = $4 WHERE id = $1`,
		id, hsJSON, label, string(sev))
	if err != nil {
		return s.fail(span, fmt.Errorf("attach hypotheses: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

// Escalate moves a notified incident to escalated and raises its severity.
func (s *Store) Escalate(ctx context.Context, id string, sev incident.Severity) error {
	ctx, span := s.span(ctx, "pgstore.Escalate", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET state = 'escalated', severity = $2 WHERE id = $1 AND state = 'notified'`,
		id, string(sev))
	if err != nil {
		return s.fail(span, fmt.Errorf("escalate: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if err := s.exists(ctx, id); err != nil {
			return err
		}
		return incident.ErrConflict
	}
	return nil
}

// AppendNotification appends one delivery record to the JSONB log.
func (s *Store) AppendNotification(ctx context.Context, id string, rec incident.NotificationRecord) error {
	ctx, span := s.span(ctx, "pgstore.AppendNotification", "UPDATE")
	defer span.End()

	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET notifications = notifications || $2::jsonb WHERE id = $1`,
		id, recJSON)
	if err != nil {
		return s.fail(span, fmt.Errorf("append notification: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

// RecentDeliveries returns the endpoint's delivered notification records
// newer than since, across all of its incidents.
func (s *Store) RecentDeliveries(ctx context.Context, endpoint string, since time.Time) ([]incident.NotificationRecord, error) {
	ctx, span := s.span(ctx, "pgstore.RecentDeliveries", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT rec
		 FROM incidents, jsonb_array_elements(notifications) AS rec
		 WHERE endpoint = $1
		   AND rec->>'outcome' = 'delivered'
		   AND (rec->>'timestamp')::timestamptz > $2`,
		endpoint, since)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("recent deliveries: %w", err))
	}
	defer rows.Close()

	var out []incident.NotificationRecord
	for rows.Next() {
		var recJSON []byte
		if err := rows.Scan(&recJSON); err != nil {
			return nil, s.fail(span, err)
		}
		var rec incident.NotificationRecord
		if err := json.Unmarshal(recJSON, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal notification: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, err)
	}
	return out, nil
}

// SetEscalateAfter stores the escalation deadline.
func (s *Store) SetEscalateAfter(ctx context.Context, id string, at time.Time) error {
	ctx, span := s.span(ctx, "pgstore.SetEscalateAfter", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET escalate_after = $2 WHERE id = $1`, id, at)
	if err != nil {
		return s.fail(span, fmt.Errorf("set escalate_after: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

// List returns incidents newest first, up to limit (0 = no limit).
func (s *Store) List(ctx context.Context, limit int) ([]*incident.Incident, error) {
	ctx, span := s.span(ctx, "pgstore.List", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY opened_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("list: %w", err))
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// Unresolved returns all non-resolved incidents, oldest first.
func (s *Store) Unresolved(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := s.span(ctx, "pgstore.Unresolved", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE state <> 'resolved' ORDER BY opened_at ASC`)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("unresolved: %w", err))
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// Retire archives resolved incidents whose resolve time is before cutoff.
func (s *Store) Retire(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := s.span(ctx, "pgstore.Retire", "DELETE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx,
		`INSERT INTO incidents_archive
		 SELECT * FROM incidents WHERE state = 'resolved' AND resolved_at < $1`, cutoff); err != nil {
		return 0, s.fail(span, fmt.Errorf("archive: %w", err))
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM incidents WHERE state = 'resolved' AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("retire: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, s.fail(span, fmt.Errorf("commit: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) exists(ctx context.Context, id string) error {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT 1 FROM incidents WHERE id = $1`, id).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return incident.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) span(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*incident.Incident, error) {
	var (
		inc            incident.Incident
		kind, state    string
		severity       string
		resolvedAt     *time.Time
		escalateAfter  *time.Time
		bundleJSON     []byte
		hypothesesJSON []byte
		notifsJSON     []byte
	)
	err := row.Scan(
		&inc.ID, &inc.Endpoint, &inc.URL, &kind, &state, &severity,
		&inc.OpenedAt, &resolvedAt, &inc.StatusCode, &inc.LatencyMS, &inc.ErrorMsg,
		&bundleJSON, &hypothesesJSON, &inc.ConfidenceLabel, &notifsJSON, &escalateAfter,
	)
	if err != nil {
		return nil, err
	}

	inc.Kind = incident.Kind(kind)
	inc.State = incident.State(state)
	inc.Severity = incident.Severity(severity)
	if resolvedAt != nil {
		inc.ResolvedAt = *resolvedAt
	}
	if escalateAfter != nil {
		inc.EscalateAfter = *escalateAfter
	}
	if len(bundleJSON) > 0 {
		var b incident.Bundle
		if err := json.Unmarshal(bundleJSON, &b); err != nil {
			return nil, fmt.Errorf("unmarshal bundle: %w", err)
		}
		inc.Bundle = &b
	}
	if len(hypothesesJSON) > 0 {
		if err := json.Unmarshal(hypothesesJSON, &inc.Hypotheses); err != nil {
			return nil, fmt.Errorf("unmarshal hypotheses: %w", err)
		}
	}
	if len(notifsJSON) > 0 {
		if err := json.Unmarshal(notifsJSON, &inc.Notifications); err != nil {
			return nil, fmt.Errorf("unmarshal notifications: %w", err)
		}
	}
	return &inc, nil
}

func collectIncidents(rows pgx.Rows) ([]*incident.Incident, error) {
	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
