package workqueue

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// One JSON Schema per metadata variant (§4.4). A work item's metadata is
// validated against whichever variant it discriminates to before the item
// is accepted; plain items (matching none) skip validation entirely.
var variantSchemas = map[string]string{
	"github_issue": `{
		"type": "object",
		"required": ["github_issue_number", "github_repo"],
		"properties": {
			"github_issue_number": {"type": "integer"},
			"github_repo": {"type": "string"},
			"author": {"type": "string"},
			"human_review_required": {"type": "boolean"}
		}
	}`,
	"specflow": `{
		"type": "object",
		"properties": {
			"specflow_feature_id": {"type": "string"},
			"specflow_phase": {"type": "string"},
			"specflow_project_id": {"type": "string"},
			"feature_id": {"type": "string"},
			"phase": {"type": "string"},
			"project_id": {"type": "string"}
		}
	}`,
	"merge_fix": `{
		"type": "object",
		"required": ["merge_fix", "pr_number", "branch", "main_branch"],
		"properties": {
			"merge_fix": {"const": true},
			"pr_number": {"type": "integer"},
			"pr_url": {"type": "string"},
			"branch": {"type": "string"},
			"main_branch": {"type": "string"},
			"original_item_id": {"type": "string"},
			"project_id": {"type": "string"}
		}
	}`,
	"pr_merge": `{
		"type": "object",
		"required": ["pr_merge", "pr_number", "branch", "main_branch"],
		"properties": {
			"pr_merge": {"const": true},
			"pr_number": {"type": "integer"},
			"pr_url": {"type": "string"},
			"repo": {"type": "string"},
			"branch": {"type": "string"},
			"main_branch": {"type": "string"},
			"implementation_work_item_id": {"type": "string"},
			"project_id": {"type": "string"}
		}
	}`,
	"rework": `{
		"type": "object",
		"required": ["rework", "pr_number", "branch", "main_branch", "rework_cycle"],
		"properties": {
			"rework": {"const": true},
			"pr_number": {"type": "integer"},
			"pr_url": {"type": "string"},
			"repo": {"type": "string"},
			"branch": {"type": "string"},
			"main_branch": {"type": "string"},
			"implementation_work_item_id": {"type": "string"},
			"review_feedback": {"type": "string"},
			"rework_cycle": {"type": "integer"},
			"project_id": {"type": "string"},
			"worktree_path": {"type": "string"},
			"max_rework_cycles": {"type": "integer"}
		}
	}`,
	"tana": `{
		"type": "object",
		"required": ["tana_node_id"],
		"properties": {
			"tana_node_id": {"type": "string"},
			"tana_workspace_id": {"type": "string"},
			"tana_tag_id": {"type": "string"}
		}
	}`,
}

var compiledSchemas map[string]*jsonschema.Schema

func init() {
	compiledSchemas = make(map[string]*jsonschema.Schema, len(variantSchemas))
	for name, src := range variantSchemas {
		c := jsonschema.NewCompiler()
		url := "mem://" + name + ".json"
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			panic(fmt.Sprintf("workqueue: invalid embedded schema %s: %v", name, err))
		}
		if err := c.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("workqueue: add schema resource %s: %v", name, err))
		}
		schema, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("workqueue: compile schema %s: %v", name, err))
		}
		compiledSchemas[name] = schema
	}
}

// validateVariant validates a decoded metadata document against the named
// variant schema. Callers only invoke this once they already know which
// variant the metadata discriminates to.
func validateVariant(variant string, doc any) error {
	schema, ok := compiledSchemas[variant]
	if !ok {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("workqueue: metadata does not satisfy %s schema: %w", variant, err)
	}
	return nil
}
