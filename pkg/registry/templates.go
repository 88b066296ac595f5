package registry

import "github.com/testflowhq/testflow/pkg/models"

// The closed template set. Templates are declarative stage lists; there is
// deliberately no workflow-definition language. The final stage of every
// template is a terminal marker: reaching it completes the workflow, so it
// declares no action.

// JiraToTestcases drives a tracked ticket through test-case generation and
// a browser-executed run.
func JiraToTestcases() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		Name: "jira-to-testcases",
		Stages: []models.StageSpec{
			{
				Stage:  "ticket fetched",
				Agent:  "jira-fetcher",
				Action: "fetch_ticket",
			},
			{
				Stage:          "testcases generated",
				Agent:          "testcase-generator",
				Action:         "generate_testcases",
				ValidationRule: "excel_artifact",
				Prerequisites:  []string{"ticket fetched"},
			},
			{
				Stage:          "script executed",
				Agent:          "script-runner",
				Action:         "execute_script",
				ValidationRule: "stage_result",
				Prerequisites:  []string{"testcases generated"},
			},
			{
				Stage:         "testcases delivered",
				Agent:         "reporter",
				Prerequisites: []string{"script executed"},
			},
		},
		Rollback: models.RollbackStrategy{
			ArtifactsToKeep: []string{"excel", "testResult"},
			KeepErrorLogs:   true,
			CleanupPatterns: []string{"*.tmp", "*.partial"},
		},
	}
}

// TicketToScript extends the pipeline with script generation and a recovery
// stage before delivery.
func TicketToScript() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		Name: "ticket-to-script",
		Stages: []models.StageSpec{
			{
				Stage:  "ticket fetched",
				Agent:  "jira-fetcher",
				Action: "fetch_ticket",
			},
			{
				Stage:          "testcases generated",
				Agent:          "testcase-generator",
				Action:         "generate_testcases",
				ValidationRule: "excel_artifact",
				Prerequisites:  []string{"ticket fetched"},
			},
			{
				Stage:          "script generated",
				Agent:          "script-writer",
				Action:         "generate_script",
				ValidationRule: "script_artifact",
				Prerequisites:  []string{"testcases generated"},
			},
			{
				Stage:          "script executed",
				Agent:          "script-runner",
				Action:         "execute_script",
				ValidationRule: "stage_result",
				Prerequisites:  []string{"script generated"},
			},
			{
				Stage:         "failures recovered",
				Agent:         "recovery-agent",
				Action:        "recover_failures",
				Prerequisites: []string{"script executed"},
			},
			{
				Stage:         "results delivered",
				Agent:         "reporter",
				Prerequisites: []string{"script executed"},
			},
		},
		Rollback: models.RollbackStrategy{
			ArtifactsToKeep: []string{"excel", "script", "testResult"},
			KeepErrorLogs:   true,
			CleanupPatterns: []string{"*.tmp", "*.partial", "*.lock"},
		},
	}
}

// RegisterDefaults installs the built-in parameterized rules and the closed
// template set. Called once at startup by the host.
func RegisterDefaults(r *Registry) error {
	r.RegisterRule("excel_artifact", ArtifactExists(".xlsx", ".xls"))
	r.RegisterRule("script_artifact", ArtifactExists(".js", ".ts", ".side"))

	for _, template := range []*models.WorkflowTemplate{JiraToTestcases(), TicketToScript()} {
		if err := r.RegisterTemplate(template); err != nil {
			return err
		}
	}

	return nil
}
