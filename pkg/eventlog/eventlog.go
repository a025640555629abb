// Package eventlog is the append-only, full-text-searchable record of every
// state transition in the system. It is a thin typed layer over pkg/store:
// the event type column is an open indexed string rather than a CHECK
// constraint, so new event types can be introduced without a schema change
// (see the store's open-enum design note).
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pai-dev/orchestrator/pkg/logger"
	"github.com/pai-dev/orchestrator/pkg/metrics"
	"github.com/pai-dev/orchestrator/pkg/store"
)

var log = logger.New("eventlog")

// Well-known event types. The store's schema does not constrain this set;
// any caller may append a new type, but these are the ones external
// interfaces (§6) require at minimum, plus the ones this implementation's
// own pipelines emit.
const (
	TypeAgentRegistered    = "agent_registered"
	TypeAgentDeregistered  = "agent_deregistered"
	TypeHeartbeatReceived  = "heartbeat_received"
	TypeWorkItemCreated    = "work_item_created"
	TypeWorkItemClaimed    = "work_item_claimed"
	TypeWorkItemCompleted  = "work_item_completed"
	TypeWorkItemReleased   = "work_item_released"
	TypeWorkApproved       = "work_approved"
	TypeWorkRejected       = "work_rejected"
	TypeHumanEscalation    = "human_escalation"
	TypeDispatching        = "dispatching"
)

// Event is one append-only row. Metadata is kept as raw JSON so callers can
// decode it into whatever shape their event type implies.
type Event struct {
	ID         int64
	Timestamp  string
	Type       string
	ActorID    string
	TargetID   string
	TargetType string
	Summary    string
	Metadata   json.RawMessage
}

// SearchResult pairs an event with its full-text rank; ordered ascending
// (best match first), matching SQLite FTS5's bm25 convention.
type SearchResult struct {
	Event Event
	Rank  float64
}

// QueryOpts bounds a query by recency and count.
type QueryOpts struct {
	Limit int
	Since string // ISO-8601 UTC; empty means unbounded
}

// Log appends to, and queries, the event table.
type Log struct {
	db *sql.DB
}

// New wraps the store's shared handle.
func New(s *store.Store) *Log {
	return &Log{db: s.DB()}
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// Append writes one event with a server-side timestamp. actor and target
// may be empty. metadata is marshaled to JSON; pass nil for "{}".
func (l *Log) Append(eventType, actorID, targetID, targetType, summary string, metadata any) (*Event, error) {
	metaBytes, err := marshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal metadata: %w", err)
	}

	ts := nowISO()
	res, err := l.db.Exec(
		`INSERT INTO events(timestamp, event_type, actor_id, target_id, target_type, summary, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, eventType, nullable(actorID), nullable(targetID), nullable(targetType), summary, string(metaBytes),
	)
	if err != nil {
		return nil, store.WrapConstraint(fmt.Errorf("eventlog: append: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("eventlog: last insert id: %w", err)
	}

	log.Printf("appended event %s id=%d actor=%s target=%s", eventType, id, actorID, targetID)
	metrics.RecordEventAppended(eventType)
	return &Event{
		ID: id, Timestamp: ts, Type: eventType, ActorID: actorID,
		TargetID: targetID, TargetType: targetType, Summary: summary, Metadata: metaBytes,
	}, nil
}

func marshalMetadata(metadata any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	if raw, ok := metadata.(json.RawMessage); ok {
		if len(raw) == 0 {
			return []byte("{}"), nil
		}
		return raw, nil
	}
	return json.Marshal(metadata)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const eventColumns = `id, timestamp, event_type, actor_id, target_id, target_type, summary, metadata`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var e Event
	var actorID, targetID, targetType sql.NullString
	var metadata string
	if err := row.Scan(&e.ID, &e.Timestamp, &e.Type, &actorID, &targetID, &targetType, &e.Summary, &metadata); err != nil {
		return Event{}, err
	}
	e.ActorID = actorID.String
	e.TargetID = targetID.String
	e.TargetType = targetType.String
	e.Metadata = json.RawMessage(metadata)
	return e, nil
}

// Recent returns the most recently appended events, newest first.
func (l *Log) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Since returns every event appended at or after the given ISO-8601 UTC
// timestamp, oldest first.
func (l *Log) Since(iso string) ([]Event, error) {
	rows, err := l.db.Query(`SELECT `+eventColumns+` FROM events WHERE timestamp >= ? ORDER BY id ASC`, iso)
	if err != nil {
		return nil, fmt.Errorf("eventlog: since: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ByType returns events of the given type, newest first, optionally bounded
// by opts.Limit and opts.Since.
func (l *Log) ByType(eventType string, opts QueryOpts) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_type = ?`
	args := []any{eventType}
	query, args = applySinceLimit(query, args, opts)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: byType: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ByActor returns events written by the given actor, newest first,
// optionally bounded by opts.Limit and opts.Since.
func (l *Log) ByActor(actorID string, opts QueryOpts) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE actor_id = ?`
	args := []any{actorID}
	query, args = applySinceLimit(query, args, opts)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: byActor: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func applySinceLimit(query string, args []any, opts QueryOpts) (string, []any) {
	if opts.Since != "" {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}
	query += " ORDER BY id DESC"
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	return query, args
}

// Search runs a full-text query over (summary, metadata), returning results
// ordered by rank ascending (best match first).
func (l *Log) Search(query string, opts QueryOpts) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	sqlQuery := `
		SELECT e.id, e.timestamp, e.event_type, e.actor_id, e.target_id, e.target_type, e.summary, e.metadata, events_fts.rank
		FROM events_fts
		JOIN events e ON e.id = events_fts.rowid
		WHERE events_fts MATCH ?`
	args := []any{query}
	if opts.Since != "" {
		sqlQuery += " AND e.timestamp >= ?"
		args = append(args, opts.Since)
	}
	sqlQuery += " ORDER BY events_fts.rank ASC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var e Event
		var actorID, targetID, targetType sql.NullString
		var metadata string
		var rank float64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &actorID, &targetID, &targetType, &e.Summary, &metadata, &rank); err != nil {
			return nil, fmt.Errorf("eventlog: search scan: %w", err)
		}
		e.ActorID = actorID.String
		e.TargetID = targetID.String
		e.TargetType = targetType.String
		e.Metadata = json.RawMessage(metadata)
		results = append(results, SearchResult{Event: e, Rank: rank})
	}
	return results, rows.Err()
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
