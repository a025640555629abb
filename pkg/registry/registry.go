// Package registry implements the agent (session) registry: register,
// heartbeat, deregister, and periodic stale sweep by liveness probe.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/logger"
	"github.com/pai-dev/orchestrator/pkg/store"
)

var log = logger.New("registry")

// Agent statuses.
const (
	StatusActive    = "active"
	StatusIdle      = "idle"
	StatusCompleted = "completed"
	StatusStale     = "stale"
)

// Agent is one session row.
type Agent struct {
	SessionID  string
	AgentName  string
	Project    string
	Work       string
	ParentID   string
	PID        int
	Status     string
	LastSeenAt string
	CreatedAt  string
	Metadata   json.RawMessage
}

// RegisterOpts are the inputs to Register.
type RegisterOpts struct {
	Name     string
	Project  string
	Work     string
	ParentID string
}

// LivenessProbe reports whether a process id is currently alive. Injected
// so registry can be unit-tested without depending on real OS processes.
type LivenessProbe interface {
	Alive(pid int) bool
}

// Registry owns the agents table.
type Registry struct {
	db     *sql.DB
	events *eventlog.Log
	probe  LivenessProbe
	staleTTL time.Duration
}

// New wraps the store's shared handle. probe is consulted by SweepStale;
// staleTTL is the inactivity window (default per config is 5 minutes)
// after which an unresponsive agent becomes a sweep candidate.
func New(s *store.Store, events *eventlog.Log, probe LivenessProbe, staleTTL time.Duration) *Registry {
	return &Registry{db: s.DB(), events: events, probe: probe, staleTTL: staleTTL}
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// Register creates a new session row, returning its opaque session id and
// the pid of the registering process (this process, at registration time;
// workers rewrite it to their own pid after spawn).
func (r *Registry) Register(opts RegisterOpts) (*Agent, error) {
	a := &Agent{
		SessionID:  uuid.NewString(),
		AgentName:  opts.Name,
		Project:    opts.Project,
		Work:       opts.Work,
		ParentID:   opts.ParentID,
		PID:        currentPID(),
		Status:     StatusActive,
		LastSeenAt: nowISO(),
		CreatedAt:  nowISO(),
		Metadata:   json.RawMessage("{}"),
	}

	_, err := r.db.Exec(
		`INSERT INTO agents(session_id, agent_name, project, work, parent_id, pid, status, last_seen_at, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.AgentName, nullable(a.Project), nullable(a.Work), nullable(a.ParentID),
		a.PID, a.Status, a.LastSeenAt, a.CreatedAt, string(a.Metadata),
	)
	if err != nil {
		return nil, store.WrapConstraint(fmt.Errorf("registry: register: %w", err))
	}

	if r.events != nil {
		if _, err := r.events.Append(eventlog.TypeAgentRegistered, a.SessionID, a.SessionID, "agent",
			fmt.Sprintf("registered agent %s (%s)", a.AgentName, a.SessionID), nil); err != nil {
			log.Printf("non-fatal: failed to append agent_registered event: %v", err)
		}
	}

	log.Printf("registered session=%s name=%s pid=%d", a.SessionID, a.AgentName, a.PID)
	return a, nil
}

// RewritePID rewrites an agent's pid, used by a worker right after spawn so
// the stale sweep's liveness probe checks the worker's own process.
func (r *Registry) RewritePID(sessionID string, pid int) error {
	_, err := r.db.Exec(`UPDATE agents SET pid = ?, last_seen_at = ? WHERE session_id = ?`, pid, nowISO(), sessionID)
	if err != nil {
		return fmt.Errorf("registry: rewrite pid: %w", err)
	}
	return nil
}

// UpdateMetadata overwrites an agent's metadata bag (e.g. recording its
// session log path at dispatch time).
func (r *Registry) UpdateMetadata(sessionID string, metadata any) error {
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("registry: marshal metadata: %w", err)
	}
	res, err := r.db.Exec(`UPDATE agents SET metadata = ? WHERE session_id = ?`, string(metaBytes), sessionID)
	if err != nil {
		return fmt.Errorf("registry: update metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registry: update metadata: no such session %s", sessionID)
	}
	return nil
}

// Heartbeat updates last_seen_at, appends a heartbeat row, and appends a
// heartbeat_received event — exactly the three writes the legacy system
// performs per beat.
func (r *Registry) Heartbeat(sessionID, progress, workItemID string) error {
	ts := nowISO()
	res, err := r.db.Exec(`UPDATE agents SET last_seen_at = ? WHERE session_id = ?`, ts, sessionID)
	if err != nil {
		return fmt.Errorf("registry: heartbeat update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registry: heartbeat: no such session %s", sessionID)
	}

	_, err = r.db.Exec(`INSERT INTO heartbeats(timestamp, session_id, progress, work_item_id) VALUES (?, ?, ?, ?)`,
		ts, sessionID, nullable(progress), nullable(workItemID))
	if err != nil {
		return fmt.Errorf("registry: heartbeat insert: %w", err)
	}

	if r.events != nil {
		if _, err := r.events.Append(eventlog.TypeHeartbeatReceived, sessionID, nullableTarget(workItemID), "work_item",
			progress, nil); err != nil {
			log.Printf("non-fatal: failed to append heartbeat_received event: %v", err)
		}
	}
	return nil
}

func nullableTarget(s string) string {
	if s == "" {
		return ""
	}
	return s
}

// Deregister transitions the agent to completed, releases every work item
// still claimed by this session, and records its duration. Releasing
// claimed items is performed directly against work_items (rather than
// importing pkg/workqueue) to avoid a circular dependency between the two
// packages — both ultimately just mutate the same shared table.
func (r *Registry) Deregister(sessionID string) error {
	var createdAt string
	err := r.db.QueryRow(`SELECT created_at FROM agents WHERE session_id = ?`, sessionID).Scan(&createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("registry: deregister: no such session %s", sessionID)
		}
		return fmt.Errorf("registry: deregister lookup: %w", err)
	}

	released, err := r.releaseClaimedBy(sessionID)
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(`UPDATE agents SET status = ? WHERE session_id = ?`, StatusCompleted, sessionID); err != nil {
		return fmt.Errorf("registry: deregister update: %w", err)
	}

	if r.events != nil {
		duration := elapsedSince(createdAt)
		if _, err := r.events.Append(eventlog.TypeAgentDeregistered, sessionID, sessionID, "agent",
			fmt.Sprintf("deregistered agent %s after %s (released %d item(s))", sessionID, duration, released), nil); err != nil {
			log.Printf("non-fatal: failed to append agent_deregistered event: %v", err)
		}
	}

	log.Printf("deregistered session=%s released=%d", sessionID, released)
	return nil
}

func elapsedSince(iso string) time.Duration {
	t, err := time.Parse("2006-01-02T15:04:05.000Z", iso)
	if err != nil {
		return 0
	}
	return time.Since(t).Round(time.Second)
}

func (r *Registry) releaseClaimedBy(sessionID string) (int64, error) {
	res, err := r.db.Exec(
		`UPDATE work_items SET status = 'available', claimed_by = NULL, updated_at = ? WHERE claimed_by = ? AND status = 'claimed'`,
		nowISO(), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("registry: release claimed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepStale finds every agent in {active, idle} whose last_seen_at is
// older than staleTTL and whose pid is no longer a live process, marks it
// stale, and releases its claimed items. Agents named orchestratorAgentName
// (the periodic tick caller) are never excluded from sweep — only from
// dispatcher concurrency counting.
func (r *Registry) SweepStale() (int, error) {
	cutoff := time.Now().Add(-r.staleTTL).UTC().Format("2006-01-02T15:04:05.000Z")

	rows, err := r.db.Query(
		`SELECT session_id, pid FROM agents WHERE status IN ('active', 'idle') AND last_seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("registry: sweep query: %w", err)
	}

	type candidate struct {
		sessionID string
		pid       int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.sessionID, &c.pid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("registry: sweep scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range candidates {
		if r.probe.Alive(c.pid) {
			continue
		}

		if _, err := r.db.Exec(`UPDATE agents SET status = ? WHERE session_id = ?`, StatusStale, c.sessionID); err != nil {
			log.Printf("failed to mark session %s stale: %v", c.sessionID, err)
			continue
		}
		released, err := r.releaseClaimedBy(c.sessionID)
		if err != nil {
			log.Printf("failed to release items for stale session %s: %v", c.sessionID, err)
		}

		if r.events != nil {
			if _, err := r.events.Append(eventlog.TypeAgentDeregistered, c.sessionID, c.sessionID, "agent",
				fmt.Sprintf("swept stale session %s (pid %d dead, released %d item(s))", c.sessionID, c.pid, released), nil); err != nil {
				log.Printf("non-fatal: failed to append sweep event: %v", err)
			}
		}
		swept++
	}

	if swept > 0 {
		log.Printf("swept %d stale session(s)", swept)
	}
	return swept, nil
}

// ActiveCount counts agents in {active, idle}, excluding the named
// orchestrator agent (the periodic tick caller) from the count so it never
// counts against the dispatcher's own concurrency limit.
func (r *Registry) ActiveCount(excludeName string) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(1) FROM agents WHERE status IN ('active', 'idle') AND agent_name != ?`, excludeName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registry: active count: %w", err)
	}
	return n, nil
}

// Get fetches one agent by session id.
func (r *Registry) Get(sessionID string) (*Agent, error) {
	row := r.db.QueryRow(
		`SELECT session_id, agent_name, project, work, parent_id, pid, status, last_seen_at, created_at, metadata
		 FROM agents WHERE session_id = ?`, sessionID)
	return scanAgent(row)
}

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var project, work, parentID sql.NullString
	var metadata string
	if err := row.Scan(&a.SessionID, &a.AgentName, &project, &work, &parentID, &a.PID, &a.Status, &a.LastSeenAt, &a.CreatedAt, &metadata); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	a.Project = project.String
	a.Work = work.String
	a.ParentID = parentID.String
	a.Metadata = json.RawMessage(metadata)
	return &a, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
