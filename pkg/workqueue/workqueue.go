// Package workqueue implements the work queue (C4): create, list, claim,
// complete, release, and metadata-patch operations over work items, plus
// the tagged-union metadata variant parsers work items are dispatched by.
package workqueue

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/idutil"
	"github.com/pai-dev/orchestrator/pkg/logger"
	"github.com/pai-dev/orchestrator/pkg/sliceutil"
	"github.com/pai-dev/orchestrator/pkg/store"
)

var log = logger.New("workqueue")

// Work item statuses.
const (
	StatusAvailable = "available"
	StatusClaimed   = "claimed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Priorities, ordered P1 before P2 before P3.
const (
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

var validPriorities = []string{PriorityP1, PriorityP2, PriorityP3}

// WorkItem is one row of the work_items table.
type WorkItem struct {
	ItemID      string
	ProjectID   string
	Title       string
	Description string
	Priority    string
	Status      string
	Source      string
	SourceRef   string
	ClaimedBy   string
	CreatedAt   string
	UpdatedAt   string
	Metadata    json.RawMessage
}

// CreateOpts are the inputs to CreateWorkItem.
type CreateOpts struct {
	ID          string
	Title       string
	Description string
	Project     string
	Source      string
	SourceRef   string
	Priority    string
	Metadata    any
}

// ListOpts filters and orders listed work items.
type ListOpts struct {
	Status   string
	Priority string // "P1" or "P1,P2" - comma-separated list accepted
	Project  string
	All      bool // skip the default ordering and the completed/failed exclusion
}

// Queue owns the work_items table.
type Queue struct {
	db     *sql.DB
	events *eventlog.Log
}

// New wraps the store's shared handle.
func New(s *store.Store, events *eventlog.Log) *Queue {
	return &Queue{db: s.DB(), events: events}
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// CreateWorkItem inserts a new item. If metadata discriminates to one of
// the tagged-union variants (§4.4), it is validated against that variant's
// schema before the insert; metadata matching no variant is accepted
// unvalidated (a "plain" work item, §4.8.G).
func (q *Queue) CreateWorkItem(opts CreateOpts) (*WorkItem, error) {
	metaBytes, err := marshalMetadata(opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("workqueue: marshal metadata: %w", err)
	}

	if variant := DetectVariant(metaBytes); variant != "" {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(metaBytes))
		if err != nil {
			return nil, fmt.Errorf("workqueue: metadata parse: %w", err)
		}
		if err := validateVariant(variant, doc); err != nil {
			return nil, err
		}
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityP2
	}
	if !sliceutil.Contains(validPriorities, priority) {
		return nil, fmt.Errorf("workqueue: invalid priority %q (want one of %v)", priority, validPriorities)
	}

	w := &WorkItem{
		ItemID: opts.ID, ProjectID: opts.Project, Title: opts.Title, Description: opts.Description,
		Priority: priority, Status: StatusAvailable, Source: opts.Source, SourceRef: opts.SourceRef,
		CreatedAt: nowISO(), UpdatedAt: nowISO(), Metadata: metaBytes,
	}

	_, err = q.db.Exec(
		`INSERT INTO work_items(item_id, project_id, title, description, priority, status, source, source_ref, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ItemID, nullable(w.ProjectID), w.Title, nullable(w.Description), w.Priority, w.Status,
		nullable(w.Source), nullable(w.SourceRef), w.CreatedAt, w.UpdatedAt, string(w.Metadata),
	)
	if err != nil {
		return nil, store.WrapConstraint(fmt.Errorf("workqueue: create: %w", err))
	}

	if q.events != nil {
		if _, err := q.events.Append(eventlog.TypeWorkItemCreated, "", w.ItemID, "work_item",
			fmt.Sprintf("created work item %s: %s", w.ItemID, w.Title), nil); err != nil {
			log.Printf("non-fatal: failed to append work_item_created event: %v", err)
		}
	}

	log.Printf("created work item %s priority=%s source=%s", w.ItemID, w.Priority, w.Source)
	return w, nil
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

// ListWorkItems returns items matching the filter, ordered by
// (priority P1<P2<P3, created_at asc) unless opts.All is set, in which case
// ordering and the implicit "available excludes completed/failed" rule are
// both skipped.
func (q *Queue) ListWorkItems(opts ListOpts) ([]WorkItem, error) {
	query := `SELECT item_id, project_id, title, description, priority, status, source, source_ref, claimed_by, created_at, updated_at, metadata FROM work_items WHERE 1=1`
	var args []any

	if opts.Project != "" {
		query += " AND project_id = ?"
		args = append(args, opts.Project)
	}
	if opts.Priority != "" {
		priorities := splitCSV(opts.Priority)
		placeholders := make([]string, len(priorities))
		for i, p := range priorities {
			placeholders[i] = "?"
			args = append(args, p)
		}
		query += " AND priority IN (" + joinComma(placeholders) + ")"
	}
	if !opts.All {
		if opts.Status != "" {
			query += " AND status = ?"
			args = append(args, opts.Status)
		} else {
			query += " AND status NOT IN ('completed', 'failed')"
		}
		query += ` ORDER BY CASE priority WHEN 'P1' THEN 0 WHEN 'P2' THEN 1 WHEN 'P3' THEN 2 ELSE 3 END, created_at ASC, item_id ASC`
	} else if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("workqueue: list: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("workqueue: scan: %w", err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func scanWorkItem(row interface{ Scan(...any) error }) (WorkItem, error) {
	var w WorkItem
	var projectID, description, source, sourceRef, claimedBy sql.NullString
	var metadata string
	if err := row.Scan(&w.ItemID, &projectID, &w.Title, &description, &w.Priority, &w.Status,
		&source, &sourceRef, &claimedBy, &w.CreatedAt, &w.UpdatedAt, &metadata); err != nil {
		return WorkItem{}, err
	}
	w.ProjectID = projectID.String
	w.Description = description.String
	w.Source = source.String
	w.SourceRef = sourceRef.String
	w.ClaimedBy = claimedBy.String
	w.Metadata = json.RawMessage(metadata)
	return w, nil
}

// Get fetches one item by id, or nil if absent.
func (q *Queue) Get(itemID string) (*WorkItem, error) {
	row := q.db.QueryRow(
		`SELECT item_id, project_id, title, description, priority, status, source, source_ref, claimed_by, created_at, updated_at, metadata
		 FROM work_items WHERE item_id = ?`, itemID)
	w, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workqueue: get: %w", err)
	}
	return &w, nil
}

// ClaimWorkItem performs the atomic CAS (status=available) →
// (status=claimed, claimed_by=session). Exactly one of two racing
// claimants ever observes claimed=true.
func (q *Queue) ClaimWorkItem(itemID, sessionID string) (bool, error) {
	res, err := q.db.Exec(
		`UPDATE work_items SET status = 'claimed', claimed_by = ?, updated_at = ? WHERE item_id = ? AND status = 'available'`,
		sessionID, nowISO(), itemID,
	)
	if err != nil {
		return false, store.WrapConstraint(fmt.Errorf("workqueue: claim: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("workqueue: claim rows affected: %w", err)
	}
	claimed := n == 1

	if claimed && q.events != nil {
		if _, err := q.events.Append(eventlog.TypeWorkItemClaimed, sessionID, itemID, "work_item",
			fmt.Sprintf("claimed work item %s", itemID), nil); err != nil {
			log.Printf("non-fatal: failed to append work_item_claimed event: %v", err)
		}
	}
	return claimed, nil
}

// CompleteWorkItem requires the claimant session and marks the item
// completed (terminal).
func (q *Queue) CompleteWorkItem(itemID, sessionID string) error {
	res, err := q.db.Exec(
		`UPDATE work_items SET status = 'completed', updated_at = ? WHERE item_id = ? AND claimed_by = ?`,
		nowISO(), itemID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("workqueue: complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workqueue: complete: %s is not claimed by %s", itemID, sessionID)
	}

	if q.events != nil {
		if _, err := q.events.Append(eventlog.TypeWorkItemCompleted, sessionID, itemID, "work_item",
			fmt.Sprintf("completed work item %s", itemID), nil); err != nil {
			log.Printf("non-fatal: failed to append work_item_completed event: %v", err)
		}
	}
	return nil
}

// ReleaseWorkItem requires the claimant session and returns the item to
// available, clearing claimed_by.
func (q *Queue) ReleaseWorkItem(itemID, sessionID string) error {
	res, err := q.db.Exec(
		`UPDATE work_items SET status = 'available', claimed_by = NULL, updated_at = ? WHERE item_id = ? AND claimed_by = ?`,
		nowISO(), itemID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("workqueue: release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workqueue: release: %s is not claimed by %s", itemID, sessionID)
	}

	if q.events != nil {
		if _, err := q.events.Append(eventlog.TypeWorkItemReleased, sessionID, itemID, "work_item",
			fmt.Sprintf("released work item %s", itemID), nil); err != nil {
			log.Printf("non-fatal: failed to append work_item_released event: %v", err)
		}
	}
	return nil
}

// FailWorkItem marks the item failed (terminal), regardless of claimant —
// used when an available item can never be dispatched (e.g. malformed
// metadata discovered outside a claim).
func (q *Queue) FailWorkItem(itemID string) error {
	_, err := q.db.Exec(`UPDATE work_items SET status = 'failed', updated_at = ? WHERE item_id = ?`, nowISO(), itemID)
	if err != nil {
		return fmt.Errorf("workqueue: fail: %w", err)
	}
	return nil
}

// UpdateWorkItemMetadata merges a JSON patch into the item's existing
// metadata (shallow merge: patch keys overwrite, others are preserved).
func (q *Queue) UpdateWorkItemMetadata(itemID string, patch any) error {
	patchBytes, err := marshalMetadata(patch)
	if err != nil {
		return fmt.Errorf("workqueue: marshal patch: %w", err)
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("workqueue: begin: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRow(`SELECT metadata FROM work_items WHERE item_id = ?`, itemID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("workqueue: update metadata: no such item %s", itemID)
		}
		return fmt.Errorf("workqueue: update metadata select: %w", err)
	}

	merged, err := mergeJSON(current, patchBytes)
	if err != nil {
		return fmt.Errorf("workqueue: merge metadata: %w", err)
	}

	if _, err := tx.Exec(`UPDATE work_items SET metadata = ?, updated_at = ? WHERE item_id = ?`, merged, nowISO(), itemID); err != nil {
		return fmt.Errorf("workqueue: update metadata: %w", err)
	}
	return tx.Commit()
}

func mergeJSON(base string, patch []byte) (string, error) {
	var baseMap map[string]json.RawMessage
	if err := json.Unmarshal([]byte(base), &baseMap); err != nil {
		return "", err
	}
	if baseMap == nil {
		baseMap = map[string]json.RawMessage{}
	}
	var patchMap map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return "", err
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	out, err := json.Marshal(baseMap)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DetectVariant classifies metadata into one of the tagged-union variant
// names (§4.4), or "" if it matches none (a plain work item). Checks are
// ordered so that a malformed/ambiguous blob still resolves deterministically.
func DetectVariant(metadata []byte) string {
	if v, _ := idutil.ParseMergeFix(metadata); v != nil {
		return "merge_fix"
	}
	if v, _ := idutil.ParsePRMerge(metadata); v != nil {
		return "pr_merge"
	}
	if v, _ := idutil.ParseRework(metadata); v != nil {
		return "rework"
	}
	if v, _ := idutil.ParseSpecFlow(metadata); v != nil {
		return "specflow"
	}
	if v, _ := idutil.ParseGitHubIssue(metadata); v != nil {
		return "github_issue"
	}
	if v, _ := idutil.ParseTana(metadata); v != nil {
		return "tana"
	}
	return ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
