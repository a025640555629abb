package specflow

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pai-dev/orchestrator/pkg/gitutil"
)

// applyGate checks the gate named by action.GateKind (§4.9.5) and either
// advances the feature to its completed phase (pass) or resets it to
// pending with an incremented failure count (fail). Returns true if this
// gate pass was the terminal "completing -> completed" transition.
func (o *Orchestrator) applyGate(f *Feature, action Action) (bool, error) {
	var passed bool
	var score float64
	var err error

	switch action.GateKind {
	case "quality":
		passed, score, err = o.qualityGate(f)
	case "artifact":
		passed, err = o.artifactGate(f)
	case "code":
		passed, err = o.codeGate(f)
	case "pass":
		passed = true
	default:
		return false, fmt.Errorf("specflow: unknown gate kind %q", action.GateKind)
	}
	if err != nil {
		return false, fmt.Errorf("specflow: gate %s for %s: %w", action.GateKind, f.FeatureID, err)
	}

	if !passed {
		failureCount := f.FailureCount + 1
		pending := StatusPending
		reason := fmt.Sprintf("%s gate failed", action.GateKind)
		if err := o.store.updateFeature(f.FeatureID, fields{Status: &pending, FailureCount: &failureCount, LastError: &reason}); err != nil {
			return false, err
		}
		o.emit(f, "gate_failed", reason)
		return false, nil
	}

	next := toCompletedPhase[f.Phase]
	pending := StatusPending
	update := fields{Phase: &next, Status: &pending}
	switch f.Phase {
	case PhaseSpecifying:
		update.SpecifyScore = &score
	case PhasePlanning:
		update.PlanScore = &score
	case PhaseCompleting:
		if err := o.finalizeCompletion(f, &update); err != nil {
			log.Printf("non-fatal: completion finalize failed for %s: %v", f.FeatureID, err)
		}
	}
	if err := o.store.updateFeature(f.FeatureID, update); err != nil {
		return false, err
	}
	o.emit(f, "gate_passed", fmt.Sprintf("%s -> %s", f.Phase, next))

	return next == PhaseCompleted, nil
}

// finalizeCompletion commits the feature's worktree, pushes its branch, and
// opens a pull request via the same host-detecting VCS adapter the worker
// pipelines use, recording the resulting commit/PR identifiers on update.
// Errors here are treated as non-fatal by the caller: the feature still
// completes even if e.g. there was nothing left to commit or push fails.
func (o *Orchestrator) finalizeCompletion(f *Feature, update *fields) error {
	if f.WorktreePath == "" {
		return nil
	}
	sha, err := o.workspace.CommitAll(f.WorktreePath, fmt.Sprintf("Complete feature %s: %s", f.FeatureID, f.Title))
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if sha != "" {
		if !gitutil.IsHexString(sha) {
			return fmt.Errorf("unexpected non-hex commit sha %q", sha)
		}
		update.CommitSHA = &sha
	}

	if err := o.workspace.PushBranch(f.WorktreePath, f.BranchName); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	adapter, err := o.vcsFor(f.WorktreePath, o.cfg.VCSAPITimeout)
	if err != nil {
		return fmt.Errorf("resolve vcs: %w", err)
	}
	mr, err := adapter.CreateMR(context.Background(), f.WorktreePath, f.Title,
		fmt.Sprintf("Implements feature %s.\n\n%s", f.FeatureID, f.Description), f.MainBranch, f.BranchName)
	if err != nil {
		return fmt.Errorf("create MR: %w", err)
	}
	update.PRNumber = &mr.Number
	update.PRURL = &mr.URL
	return nil
}

// qualityGate scores the phase's artifact (spec.md for specifying, plan.md
// for planning) via a short scoring agent, passing at or above threshold.
func (o *Orchestrator) qualityGate(f *Feature) (bool, float64, error) {
	var artifact string
	switch f.Phase {
	case PhaseSpecifying:
		artifact = "spec.md"
	case PhasePlanning:
		artifact = "plan.md"
	default:
		artifact = "spec.md"
	}

	path := f.WorktreePath
	specDir := filepath.Join(path, ".specify", "specs", f.FeatureID)
	artifactPath := filepath.Join(specDir, artifact)

	if w := o.watcherFor(specDir); w != nil {
		if exists, known := w.Exists(artifactPath); known && !exists {
			return false, 0, nil // watcher already knows the artifact is absent
		}
	}

	content, err := os.ReadFile(artifactPath)
	if err != nil {
		return false, 0, nil // missing artifact is a gate failure, not an error
	}

	prompt := fmt.Sprintf(
		"Score this %s against a rubric of clarity, completeness, and actionable detail, on a 0.0-1.0 scale.\n\n"+
			"Content:\n%s\n\nRespond with exactly one line: SCORE: <0.0-1.0>", artifact, string(content))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	res, err := o.launcher.Launch(ctx, path, prompt, 5*60*1000, "specflow-score-"+f.FeatureID, true)
	if err != nil || res.ExitCode != 0 {
		return false, 0, nil
	}

	score := parseScore(res.Stdout)
	return score >= qualityThreshold, score, nil
}

func parseScore(stdout string) float64 {
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "SCORE:") {
			n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "SCORE:")), 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// artifactGate checks that tasks.md exists in the feature's spec directory.
func (o *Orchestrator) artifactGate(f *Feature) (bool, error) {
	specDir := filepath.Join(f.WorktreePath, ".specify", "specs", f.FeatureID)
	path := filepath.Join(specDir, "tasks.md")

	if w := o.watcherFor(specDir); w != nil {
		if exists, known := w.Exists(path); known {
			return exists, nil
		}
	}

	_, err := os.Stat(path)
	return err == nil, nil
}

// codeGate requires at least one changed file outside the exclusion list
// relative to main_branch.
func (o *Orchestrator) codeGate(f *Feature) (bool, error) {
	changed, err := o.workspace.ChangedFilesOutsideExclusions(f.WorktreePath, f.MainBranch)
	if err != nil {
		return false, err
	}
	return len(changed) > 0, nil
}
