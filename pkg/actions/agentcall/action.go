// Package agentcall implements the generate/execute/recover stage actions.
// Each one is a synchronous HTTP call to an external agent service that does
// the actual work and reports a stage result back.
package agentcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/protocol"
)

const defaultTimeout = 5 * time.Minute

// request is the payload posted to the agent endpoint. Artifacts give the
// agent everything produced so far, keyed by kind.
type request struct {
	WorkflowID  string            `json:"workflow_id"`
	BusinessKey string            `json:"business_key"`
	Stage       string            `json:"stage"`
	Artifacts   map[string]string `json:"artifacts"`
}

type Action struct {
	actionID     string
	artifactKind string
	endpoint     string
	timeout      time.Duration
	client       *http.Client
}

// resolveEndpoint finds the agent URL for an action id: an explicit
// "agents" map entry wins, otherwise "agent_base_url"/<id>.
func resolveEndpoint(actionID string, config map[string]any) (string, error) {
	if agents, ok := config["agents"].(map[string]any); ok {
		if url, ok := agents[actionID].(string); ok && url != "" {
			return url, nil
		}
	}

	if base, ok := config["agent_base_url"].(string); ok && base != "" {
		return base + "/" + actionID, nil
	}

	return "", fmt.Errorf("no agent endpoint configured for action '%s'", actionID)
}

func NewAction(actionID, artifactKind string, config map[string]any) (*Action, error) {
	endpoint, err := resolveEndpoint(actionID, config)
	if err != nil {
		return nil, err
	}

	timeout := defaultTimeout
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &Action{
		actionID:     actionID,
		artifactKind: artifactKind,
		endpoint:     endpoint,
		timeout:      timeout,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

func (a *Action) Execute(ctx context.Context, workflow *models.Workflow, artifacts map[string]string, logger *slog.Logger) (*protocol.StageResult, error) {
	payload, err := json.Marshal(request{
		WorkflowID:  workflow.ID,
		BusinessKey: workflow.BusinessKey,
		Stage:       workflow.CurrentStage,
		Artifacts:   artifacts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errkit.Wrap(errkit.KeyAgentError, a.actionID, err).
			With("endpoint", a.endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errkit.New(errkit.KeyAgentError,
			fmt.Sprintf("agent returned status %d", resp.StatusCode)).
			With("endpoint", a.endpoint).
			With("body", string(body))
	}

	var result protocol.StageResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errkit.Wrap(errkit.KeyAgentError, "agent response is not a stage result", err).
			With("endpoint", a.endpoint)
	}

	if result.ArtifactKind == "" && result.ArtifactRef != "" {
		result.ArtifactKind = a.artifactKind
	}

	logger.Info("agent call finished",
		"action", a.actionID,
		"endpoint", a.endpoint,
		"success", result.Success,
		"artifact_ref", result.ArtifactRef,
	)

	return &result, nil
}
