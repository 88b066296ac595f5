// Package errkit defines the closed error catalog shared by every testflow
// component. Errors constructed here carry a numeric code, a recoverability
// flag and a remediation hint, and report themselves to the log on creation.
package errkit

// Error code classes. The thousands digit identifies the class.
const (
	ClassValidation = 1000
	ClassStage      = 2000
	ClassArtifact   = 3000
	ClassSystem     = 4000
	ClassTimeout    = 5000
)

// Catalog keys. Callers always construct errors by key, never by raw code.
const (
	KeyInvalidTicketFormat  = "invalid_ticket_format"
	KeyInvalidTemplate      = "invalid_template"
	KeyActiveWorkflowExists = "active_workflow_exists"
	KeyMissingDirectory     = "missing_directory"
	KeyValidationFailed     = "validation_failed"
	KeyPrerequisiteNotMet   = "prerequisite_not_met"

	KeyStageActionFailed = "stage_action_failed"
	KeyAgentError        = "agent_error"
	KeyRetryExhausted    = "retry_exhausted"

	KeyArtifactMissing   = "artifact_missing"
	KeyArtifactEmpty     = "artifact_empty"
	KeyArtifactWrongType = "artifact_wrong_type"
	KeyArtifactInvalid   = "artifact_invalid"

	KeyPersistenceFailed = "persistence_failed"
	KeyWorkflowNotFound  = "workflow_not_found"
	KeyWorkflowInactive  = "workflow_inactive"
	KeyUnknown           = "unknown"

	KeyStageTimeout    = "stage_timeout"
	KeyWorkflowTimeout = "workflow_timeout"
)

type entry struct {
	Code        int
	Message     string
	Recoverable bool
}

var catalog = map[string]entry{
	KeyInvalidTicketFormat:  {1001, "business key does not match the expected ticket format", true},
	KeyInvalidTemplate:      {1002, "workflow template is not registered", true},
	KeyActiveWorkflowExists: {1003, "an active workflow already exists for this business key", true},
	KeyMissingDirectory:     {1004, "required workspace directory is missing", true},
	KeyValidationFailed:     {1005, "stage validation rule rejected the transition payload", true},
	KeyPrerequisiteNotMet:   {1006, "next stage prerequisites are not completed", true},

	KeyStageActionFailed: {2001, "stage action execution failed", true},
	KeyAgentError:        {2002, "agent reported an error while executing a stage", true},
	KeyRetryExhausted:    {2003, "operation failed after exhausting all retry attempts", false},

	KeyArtifactMissing:   {3001, "expected artifact was not produced", true},
	KeyArtifactEmpty:     {3002, "produced artifact is empty", true},
	KeyArtifactWrongType: {3003, "produced artifact has an unexpected extension", true},
	KeyArtifactInvalid:   {3004, "produced artifact failed validation", true},

	KeyPersistenceFailed: {4001, "persisting workflow state failed", true},
	KeyWorkflowNotFound:  {4002, "workflow not found", false},
	KeyWorkflowInactive:  {4003, "workflow is not active", false},
	KeyUnknown:           {4000, "unrecognized error", true},

	KeyStageTimeout:    {5001, "stage exceeded its timeout", true},
	KeyWorkflowTimeout: {5002, "workflow exceeded its lifetime ceiling", false},
}

var suggestions = map[int]string{
	1001: "use a key like PROJ-1234 (project prefix, dash, number)",
	1002: "register the template at startup or check the template name for typos",
	1003: "wait for the running workflow to finish, or fail/cancel it first",
	1004: "create the workspace directory before initializing the workflow",
	1005: "inspect the transition payload against the stage's validation rule",
	1006: "complete the prerequisite stages before advancing",
	2001: "retry the stage; if it keeps failing, check the agent's own logs",
	2002: "check agent connectivity and credentials, then retry the stage",
	2003: "investigate the recorded errors; manual intervention is required",
	3001: "re-run the generating stage to produce the artifact",
	3002: "re-run the generating stage; the output file was created but empty",
	3003: "check the generator configuration for the expected output format",
	3004: "inspect the artifact contents against the stage contract",
	4001: "check disk space and permissions on the state store",
	4002: "verify the workflow id; it may have been archived",
	4003: "the workflow reached a terminal state; initialize a new one",
	4000: "inspect the wrapped cause for details",
	5001: "retry the stage or raise its timeout in the stage timeout table",
	5002: "the workflow was force-failed; initialize a new one if still needed",
}

// Lookup resolves a catalog key, falling back to the unknown entry so that a
// bad key can never panic an error path.
func Lookup(key string) (int, string, bool) {
	e, ok := catalog[key]
	if !ok {
		e = catalog[KeyUnknown]
	}

	return e.Code, e.Message, e.Recoverable
}

// Suggestion returns the human remediation hint for a code, or an empty
// string for codes outside the catalog.
func Suggestion(code int) string {
	return suggestions[code]
}

// RecoverableByCode reports the recoverability recorded for a catalog code.
// Unknown codes report false; fail-open defaulting is the retry policy's
// decision, not the catalog's.
func RecoverableByCode(code int) (bool, bool) {
	for _, e := range catalog {
		if e.Code == code {
			return e.Recoverable, true
		}
	}

	return false, false
}
