package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/models"
	"github.com/testflowhq/testflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// Payload key under which stage actions report the produced file.
const ArtifactRefKey = "artifact_ref"

// stageResultSchema is the minimal contract every transition payload from a
// stage action satisfies.
const stageResultSchema = `{
	"type": "object",
	"properties": {
		"success": {"type": "boolean"}
	},
	"required": ["success"]
}`

func registerBuiltinRules(r *Registry) {
	r.RegisterRule("non_empty_payload", NonEmptyPayload)
	r.RegisterRule("artifact_exists", ArtifactExists())

	schemaRule, err := PayloadSchema(stageResultSchema)
	if err != nil {
		// The schema is a compile-time constant; failing to parse it is a
		// programming error.
		panic(fmt.Sprintf("builtin stage result schema is invalid: %v", err))
	}

	r.RegisterRule("stage_result", schemaRule)
}

// NonEmptyPayload rejects transitions carrying no data at all.
func NonEmptyPayload(_ *models.Workflow, transitionData map[string]any) error {
	if len(transitionData) == 0 {
		return errkit.New(errkit.KeyValidationFailed, "transition payload is empty")
	}

	return nil
}

// ArtifactExists builds a rule confirming the payload's artifact file
// exists and is non-empty, and, when extensions are given, carries one of
// them. This is the per-stage contract templates attach to generating
// stages.
func ArtifactExists(extensions ...string) protocol.ValidationRule {
	return func(_ *models.Workflow, transitionData map[string]any) error {
		ref, _ := transitionData[ArtifactRefKey].(string)
		if ref == "" {
			return errkit.New(errkit.KeyArtifactMissing, "transition payload carries no "+ArtifactRefKey)
		}

		info, err := os.Stat(ref)
		if err != nil {
			return errkit.Wrap(errkit.KeyArtifactMissing, ref, err)
		}

		if info.Size() == 0 {
			return errkit.New(errkit.KeyArtifactEmpty, ref)
		}

		if len(extensions) > 0 {
			ext := strings.ToLower(filepath.Ext(ref))
			for _, allowed := range extensions {
				if ext == strings.ToLower(allowed) {
					return nil
				}
			}

			return errkit.New(errkit.KeyArtifactWrongType,
				fmt.Sprintf("%s: expected one of %s", ref, strings.Join(extensions, ", ")))
		}

		return nil
	}
}

// PayloadSchema builds a rule validating the transition payload against a
// JSON schema. The schema is compiled once at registration.
func PayloadSchema(schemaJSON string) (protocol.ValidationRule, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid payload schema: %w", err)
	}

	return func(_ *models.Workflow, transitionData map[string]any) error {
		result, err := schema.Validate(gojsonschema.NewGoLoader(transitionData))
		if err != nil {
			return errkit.Wrap(errkit.KeyValidationFailed, "payload could not be validated", err)
		}

		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				details = append(details, desc.String())
			}

			return errkit.New(errkit.KeyValidationFailed, strings.Join(details, "; "))
		}

		return nil
	}, nil
}
