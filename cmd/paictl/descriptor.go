package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/pai-dev/orchestrator/pkg/project"
	"github.com/pai-dev/orchestrator/pkg/specflow"
)

// projectDescriptor is the on-disk YAML shape accepted by `paictl project
// load`: one project plus the features to seed into SpecFlow for it, so a
// repo can be onboarded in one shot instead of through one-off flags.
type projectDescriptor struct {
	Project struct {
		ID              string `yaml:"id"`
		DisplayName     string `yaml:"display_name"`
		LocalPath       string `yaml:"local_path"`
		RemoteRepo      string `yaml:"remote_repo"`
		SpecFlowEnabled bool   `yaml:"specflow_enabled"`
		MaxReworkCycles int    `yaml:"max_rework_cycles"`
	} `yaml:"project"`
	Features []struct {
		ID             string `yaml:"id"`
		Title          string `yaml:"title"`
		Description    string `yaml:"description"`
		MaxFailures    int    `yaml:"max_failures"`
		SourceIssueRef string `yaml:"source_issue_ref"`
	} `yaml:"features"`
}

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage registered projects",
	}
	cmd.AddCommand(newProjectLoadCommand())
	return cmd
}

func newProjectLoadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load <descriptor.yaml>",
		Short: "Register a project (and seed any SpecFlow features) from a YAML descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("paictl: read descriptor: %w", err)
			}

			var desc projectDescriptor
			if err := yaml.Unmarshal(raw, &desc); err != nil {
				return fmt.Errorf("paictl: parse descriptor: %w", err)
			}
			if desc.Project.ID == "" {
				return fmt.Errorf("paictl: descriptor project.id is required")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			metadata := map[string]any{
				"specflow_enabled": desc.Project.SpecFlowEnabled,
			}
			if desc.Project.MaxReworkCycles > 0 {
				metadata["max_rework_cycles"] = desc.Project.MaxReworkCycles
			}

			p, err := a.projects.Register(project.CreateOpts{
				ID:          desc.Project.ID,
				DisplayName: desc.Project.DisplayName,
				LocalPath:   desc.Project.LocalPath,
				RemoteRepo:  desc.Project.RemoteRepo,
				Metadata:    metadata,
			})
			if err != nil {
				return fmt.Errorf("paictl: register project: %w", err)
			}

			created := 0
			for _, feat := range desc.Features {
				if feat.ID == "" {
					return fmt.Errorf("paictl: descriptor feature with empty id")
				}
				if _, err := a.specflow.Store().CreateFeature(specflow.CreateOpts{
					ID:             feat.ID,
					ProjectID:      p.ProjectID,
					Title:          feat.Title,
					Description:    feat.Description,
					MaxFailures:    feat.MaxFailures,
					SourceIssueRef: feat.SourceIssueRef,
				}); err != nil {
					return fmt.Errorf("paictl: create feature %s: %w", feat.ID, err)
				}
				created++
			}

			return printResult(cmd, map[string]any{"project_id": p.ProjectID, "features_created": created}, func() {
				printf("registered project %s (%d feature(s) seeded)\n", p.ProjectID, created)
			})
		},
	}
}
