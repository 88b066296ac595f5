// Package ticketfetch implements the fetch_ticket stage action: it pulls the
// ticket document for the workflow's business key from the tracker API and
// materializes it in the workspace for downstream agents.
package ticketfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

type Action struct {
	baseURL   string
	workspace string
	headers   map[string]string
	timeout   time.Duration
	client    *http.Client
}

func NewAction(config map[string]any) (*Action, error) {
	baseURL, _ := config["ticket_url"].(string)
	if baseURL == "" {
		return nil, fmt.Errorf("ticket_url is required")
	}

	workspace, _ := config["workspace"].(string)
	if workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}

	headers := make(map[string]string)

	if raw, ok := config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	timeout := defaultTimeout
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &Action{
		baseURL:   baseURL,
		workspace: workspace,
		headers:   headers,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (a *Action) Execute(ctx context.Context, workflow *models.Workflow, _ map[string]string, logger *slog.Logger) (*protocol.StageResult, error) {
	url := a.baseURL + "/" + workflow.BusinessKey

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build ticket request: %w", err)
	}

	for key, value := range a.headers {
		req.Header.Set(key, value)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errkit.Wrap(errkit.KeyStageActionFailed, "fetch ticket", err).
			With("url", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errkit.New(errkit.KeyStageActionFailed,
			fmt.Sprintf("ticket API returned status %d", resp.StatusCode)).
			With("url", url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ticket response: %w", err)
	}

	// The downstream generator expects valid JSON, so a malformed payload
	// fails here rather than three stages later.
	var ticket map[string]any
	if err := json.Unmarshal(body, &ticket); err != nil {
		return nil, errkit.Wrap(errkit.KeyStageActionFailed, "ticket payload is not JSON", err)
	}

	path, err := a.write(workflow.BusinessKey, body)
	if err != nil {
		return nil, err
	}

	logger.Info("ticket fetched",
		"url", url,
		"bytes", len(body),
		"path", path,
	)

	return &protocol.StageResult{
		Success:      true,
		ArtifactKind: "ticket",
		ArtifactRef:  path,
		Message:      "ticket fetched",
		Data: map[string]any{
			"status_code":   resp.StatusCode,
			"bytes_written": len(body),
		},
	}, nil
}

func (a *Action) write(businessKey string, body []byte) (string, error) {
	if err := os.MkdirAll(a.workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace directory: %w", err)
	}

	path := filepath.Join(a.workspace, businessKey+"-ticket.json")

	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write ticket file: %w", err)
	}

	return path, nil
}
