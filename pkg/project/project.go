// Package project implements the project registry backing the `projects`
// table: the filesystem root and per-project overrides (SpecFlow
// enablement, rework-cycle cap) that the dispatcher, worker, and SpecFlow
// orchestrator all resolve work items and features against.
package project

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pai-dev/orchestrator/pkg/store"
)

// Project is one row of the projects table.
type Project struct {
	ProjectID    string
	DisplayName  string
	LocalPath    string
	RemoteRepo   string
	Metadata     json.RawMessage
	RegisteredAt string
}

type metadataBag struct {
	SpecFlowEnabled *bool `json:"specflow_enabled,omitempty"`
	MaxReworkCycles *int  `json:"max_rework_cycles,omitempty"`
}

// SpecFlowEnabled reports the project's specflow_enabled flag, default false.
func (p *Project) SpecFlowEnabled() bool {
	var bag metadataBag
	_ = json.Unmarshal(p.Metadata, &bag)
	return bag.SpecFlowEnabled != nil && *bag.SpecFlowEnabled
}

// MaxReworkCycles returns the project's max_rework_cycles override, or
// (0, false) if unset.
func (p *Project) MaxReworkCycles() (int, bool) {
	var bag metadataBag
	_ = json.Unmarshal(p.Metadata, &bag)
	if bag.MaxReworkCycles == nil {
		return 0, false
	}
	return *bag.MaxReworkCycles, true
}

// Registry owns the projects table.
type Registry struct {
	db *sql.DB
}

// New wraps the store's shared handle.
func New(s *store.Store) *Registry {
	return &Registry{db: s.DB()}
}

// CreateOpts are the inputs to Register.
type CreateOpts struct {
	ID          string
	DisplayName string
	LocalPath   string
	RemoteRepo  string
	Metadata    any
}

// Register inserts or replaces a project row.
func (r *Registry) Register(opts CreateOpts) (*Project, error) {
	metaBytes, err := marshalMetadata(opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("project: marshal metadata: %w", err)
	}

	p := &Project{
		ProjectID: opts.ID, DisplayName: opts.DisplayName, LocalPath: opts.LocalPath,
		RemoteRepo: opts.RemoteRepo, Metadata: metaBytes,
		RegisteredAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}

	_, err = r.db.Exec(
		`INSERT INTO projects(project_id, display_name, local_path, remote_repo, metadata, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET display_name=excluded.display_name, local_path=excluded.local_path,
		   remote_repo=excluded.remote_repo, metadata=excluded.metadata`,
		p.ProjectID, p.DisplayName, nullable(p.LocalPath), nullable(p.RemoteRepo), string(p.Metadata), p.RegisteredAt,
	)
	if err != nil {
		return nil, store.WrapConstraint(fmt.Errorf("project: register: %w", err))
	}
	return p, nil
}

// Get fetches one project by id, or nil if absent.
func (r *Registry) Get(projectID string) (*Project, error) {
	if projectID == "" {
		return nil, nil
	}
	row := r.db.QueryRow(
		`SELECT project_id, display_name, local_path, remote_repo, metadata, registered_at FROM projects WHERE project_id = ?`,
		projectID)

	var p Project
	var localPath, remoteRepo sql.NullString
	var metadata string
	err := row.Scan(&p.ProjectID, &p.DisplayName, &localPath, &remoteRepo, &metadata, &p.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("project: get: %w", err)
	}
	p.LocalPath = localPath.String
	p.RemoteRepo = remoteRepo.String
	p.Metadata = json.RawMessage(metadata)
	return &p, nil
}

func marshalMetadata(metadata any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
