// Package specflow implements the SpecFlow orchestrator (C9): a state
// machine that drives a feature through a fixed phase pipeline (queued →
// specifying → ... → completed), gated by quality/artifact/code checks
// between phases, each phase itself executed by an external coding agent
// through pkg/launcher.
package specflow

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pai-dev/orchestrator/pkg/logger"
	"github.com/pai-dev/orchestrator/pkg/store"
)

var log = logger.New("specflow")

// Feature statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSucceeded = "succeeded"
	StatusBlocked   = "blocked"
	StatusFailed    = "failed"
)

// Phases, in pipeline order.
const (
	PhaseQueued      = "queued"
	PhaseSpecifying  = "specifying"
	PhaseSpecified   = "specified"
	PhasePlanning    = "planning"
	PhasePlanned     = "planned"
	PhaseTasking     = "tasking"
	PhaseTasked      = "tasked"
	PhaseImplementing = "implementing"
	PhaseImplemented = "implemented"
	PhaseCompleting  = "completing"
	PhaseCompleted   = "completed"
	PhaseFailed      = "failed"
)

// ADVANCE_MAP: resting phase -> next *ing phase.
var advanceMap = map[string]string{
	PhaseQueued:      PhaseSpecifying,
	PhaseSpecified:   PhasePlanning,
	PhasePlanned:     PhaseTasking,
	PhaseTasked:      PhaseImplementing,
	PhaseImplemented: PhaseCompleting,
}

// GATE_MAP: *ing phase -> gate kind.
var gateMap = map[string]string{
	PhaseSpecifying:   "quality",
	PhasePlanning:     "quality",
	PhaseTasking:      "artifact",
	PhaseImplementing: "code",
	PhaseCompleting:   "pass",
}

// toCompletedPhase: *ing phase -> *ed phase.
var toCompletedPhase = map[string]string{
	PhaseSpecifying:   PhaseSpecified,
	PhasePlanning:     PhasePlanned,
	PhaseTasking:      PhaseTasked,
	PhaseImplementing: PhaseImplemented,
	PhaseCompleting:   PhaseCompleted,
}

const qualityThreshold = 0.7

// Feature is one row of the specflow_features table.
type Feature struct {
	FeatureID      string
	ProjectID      string
	Title          string
	Description    string
	Phase          string
	Status         string
	CurrentSession string
	WorktreePath   string
	BranchName     string
	MainBranch     string
	FailureCount   int
	MaxFailures    int
	LastError      string
	PhaseStartedAt string
	SpecifyScore   sql.NullFloat64
	PlanScore      sql.NullFloat64
	ImplementScore sql.NullFloat64
	PRNumber       sql.NullInt64
	PRURL          string
	CommitSHA      string
	SourceIssueRef string
	CreatedAt      string
	UpdatedAt      string
}

// Store owns the specflow_features table.
type Store struct {
	db *sql.DB
}

// New wraps the store's shared handle.
func New(s *store.Store) *Store {
	return &Store{db: s.DB()}
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseISO(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02T15:04:05.000Z", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CreateOpts are the inputs to CreateFeature.
type CreateOpts struct {
	ID             string
	ProjectID      string
	Title          string
	Description    string
	MaxFailures    int
	SourceIssueRef string
}

// CreateFeature inserts a new feature in the initial queued/pending state.
func (s *Store) CreateFeature(opts CreateOpts) (*Feature, error) {
	maxFailures := opts.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	ts := nowISO()
	f := &Feature{
		FeatureID: opts.ID, ProjectID: opts.ProjectID, Title: opts.Title, Description: opts.Description,
		Phase: PhaseQueued, Status: StatusPending, MaxFailures: maxFailures, SourceIssueRef: opts.SourceIssueRef,
		CreatedAt: ts, UpdatedAt: ts,
	}
	_, err := s.db.Exec(
		`INSERT INTO specflow_features(feature_id, project_id, title, description, phase, status, max_failures, source_issue_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FeatureID, f.ProjectID, f.Title, nullable(f.Description), f.Phase, f.Status, f.MaxFailures,
		nullable(f.SourceIssueRef), f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return nil, store.WrapConstraint(fmt.Errorf("specflow: create feature: %w", err))
	}
	return f, nil
}

const featureColumns = `feature_id, project_id, title, description, phase, status, current_session, worktree_path,
	branch_name, main_branch, failure_count, max_failures, last_error, phase_started_at,
	specify_score, plan_score, implement_score, pr_number, pr_url, commit_sha, source_issue_ref, created_at, updated_at`

func scanFeature(row interface{ Scan(...any) error }) (*Feature, error) {
	var f Feature
	var description, currentSession, worktreePath, branchName, mainBranch, lastError, phaseStartedAt, prURL, commitSHA, sourceIssueRef sql.NullString
	if err := row.Scan(
		&f.FeatureID, &f.ProjectID, &f.Title, &description, &f.Phase, &f.Status, &currentSession, &worktreePath,
		&branchName, &mainBranch, &f.FailureCount, &f.MaxFailures, &lastError, &phaseStartedAt,
		&f.SpecifyScore, &f.PlanScore, &f.ImplementScore, &f.PRNumber, &prURL, &commitSHA, &sourceIssueRef,
		&f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	f.Description = description.String
	f.CurrentSession = currentSession.String
	f.WorktreePath = worktreePath.String
	f.BranchName = branchName.String
	f.MainBranch = mainBranch.String
	f.LastError = lastError.String
	f.PhaseStartedAt = phaseStartedAt.String
	f.PRURL = prURL.String
	f.CommitSHA = commitSHA.String
	f.SourceIssueRef = sourceIssueRef.String
	return &f, nil
}

// Get fetches one feature by id, or nil if absent.
func (s *Store) Get(featureID string) (*Feature, error) {
	row := s.db.QueryRow(`SELECT `+featureColumns+` FROM specflow_features WHERE feature_id = ?`, featureID)
	f, err := scanFeature(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("specflow: get: %w", err)
	}
	return f, nil
}

// ListActionable returns features not in a terminal phase, oldest first,
// capped at limit.
func (s *Store) ListActionable(limit int) ([]*Feature, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+featureColumns+` FROM specflow_features WHERE phase NOT IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		PhaseCompleted, PhaseFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("specflow: list actionable: %w", err)
	}
	defer rows.Close()

	var out []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("specflow: scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// fields bundles the column updates updateFeature writes.
type fields struct {
	Phase          *string
	Status         *string
	CurrentSession *string
	WorktreePath   *string
	BranchName     *string
	MainBranch     *string
	FailureCount   *int
	LastError      *string
	PhaseStartedAt *string
	SpecifyScore   *float64
	PlanScore      *float64
	ImplementScore *float64
	PRNumber       *int
	PRURL          *string
	CommitSHA      *string
}

func (s *Store) updateFeature(featureID string, f fields) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowISO()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if f.Phase != nil {
		add("phase", *f.Phase)
	}
	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.CurrentSession != nil {
		add("current_session", nullable(*f.CurrentSession))
	}
	if f.WorktreePath != nil {
		add("worktree_path", nullable(*f.WorktreePath))
	}
	if f.BranchName != nil {
		add("branch_name", nullable(*f.BranchName))
	}
	if f.MainBranch != nil {
		add("main_branch", nullable(*f.MainBranch))
	}
	if f.FailureCount != nil {
		add("failure_count", *f.FailureCount)
	}
	if f.LastError != nil {
		add("last_error", nullable(*f.LastError))
	}
	if f.PhaseStartedAt != nil {
		add("phase_started_at", nullable(*f.PhaseStartedAt))
	}
	if f.SpecifyScore != nil {
		add("specify_score", *f.SpecifyScore)
	}
	if f.PlanScore != nil {
		add("plan_score", *f.PlanScore)
	}
	if f.ImplementScore != nil {
		add("implement_score", *f.ImplementScore)
	}
	if f.PRNumber != nil {
		add("pr_number", *f.PRNumber)
	}
	if f.PRURL != nil {
		add("pr_url", nullable(*f.PRURL))
	}
	if f.CommitSHA != nil {
		add("commit_sha", nullable(*f.CommitSHA))
	}

	args = append(args, featureID)
	_, err := s.db.Exec(`UPDATE specflow_features SET `+strings.Join(sets, ", ")+` WHERE feature_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("specflow: update feature %s: %w", featureID, err)
	}
	return nil
}

// CountByPhase tallies every feature by its current phase, for the
// features-by-phase metrics gauge.
func (s *Store) CountByPhase() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT phase, COUNT(1) FROM specflow_features GROUP BY phase`)
	if err != nil {
		return nil, fmt.Errorf("specflow: count by phase: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, fmt.Errorf("specflow: scan phase count: %w", err)
		}
		counts[phase] = n
	}
	return counts, rows.Err()
}

// ReleaseOrphaned sets every active feature to pending, clearing its
// session — called once at service start (§4.9.3 step 1).
func (s *Store) ReleaseOrphaned() (int, error) {
	res, err := s.db.Exec(
		`UPDATE specflow_features SET status = ?, current_session = NULL, last_error = ?, updated_at = ? WHERE status = ?`,
		StatusPending, "Released: server restarted while feature was active", nowISO(), StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("specflow: release orphaned: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("released %d orphaned feature(s)", n)
	}
	return int(n), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
