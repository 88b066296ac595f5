package errkit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ResolvesCatalogEntry(t *testing.T) {
	err := New(KeyArtifactEmpty, "/tmp/testcases.xlsx")

	assert.Equal(t, 3002, err.Code)
	assert.Equal(t, KeyArtifactEmpty, err.Key)
	assert.True(t, err.Recoverable)
	assert.False(t, err.Timestamp.IsZero())
	assert.Contains(t, err.Error(), "/tmp/testcases.xlsx")
	assert.Contains(t, err.Error(), "3002")
}

func TestNew_UnknownKeyFallsBack(t *testing.T) {
	err := New("never_registered_key", "something odd")

	assert.Equal(t, 4000, err.Code)
	assert.True(t, err.Recoverable)
	assert.NotEmpty(t, err.Message)
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KeyAgentError, "script-runner", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWith_AccumulatesContext(t *testing.T) {
	err := New(KeyStageTimeout, "script executed").
		With("age_minutes", 45.0).
		With("timeout_minutes", 30.0)

	assert.Equal(t, 45.0, err.Context["age_minutes"])
	assert.Equal(t, 30.0, err.Context["timeout_minutes"])
}

func TestIs_MatchesByKey(t *testing.T) {
	err := fmt.Errorf("transition rejected: %w", New(KeyPrerequisiteNotMet, "script generated"))

	assert.ErrorIs(t, err, New(KeyPrerequisiteNotMet, "different details"))
	assert.NotErrorIs(t, err, New(KeyValidationFailed, ""))
}

func TestSuggestion_KnownCodesHaveHints(t *testing.T) {
	err := New(KeyActiveWorkflowExists, "AOTF-1234")
	assert.NotEmpty(t, err.Suggestion())

	// Every catalog entry carries a remediation hint.
	for key := range catalog {
		code, _, _ := Lookup(key)
		assert.NotEmpty(t, Suggestion(code), "missing suggestion for %s", key)
	}

	assert.Empty(t, Suggestion(9999))
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(New(KeyStageActionFailed, "")))
	assert.False(t, IsRecoverable(New(KeyRetryExhausted, "")))
	assert.False(t, IsRecoverable(errors.New("not a catalog error")))
}

func TestCodeAndKeyExtraction(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(KeyWorkflowNotFound, "wf-1"))

	assert.Equal(t, 4002, CodeOf(wrapped))
	assert.Equal(t, KeyWorkflowNotFound, KeyOf(wrapped))
	assert.True(t, HasKey(wrapped, KeyWorkflowNotFound))
	assert.False(t, HasKey(wrapped, KeyWorkflowInactive))

	assert.Equal(t, 0, CodeOf(errors.New("plain")))
	assert.Empty(t, KeyOf(nil))
}

func TestRecoverableByCode(t *testing.T) {
	recoverable, known := RecoverableByCode(2003)
	assert.True(t, known)
	assert.False(t, recoverable)

	recoverable, known = RecoverableByCode(1001)
	assert.True(t, known)
	assert.True(t, recoverable)

	_, known = RecoverableByCode(9999)
	assert.False(t, known)
}

func TestErrorClasses(t *testing.T) {
	// The thousands digit encodes the class for every entry.
	for key, e := range catalog {
		class := e.Code / 1000 * 1000
		switch key {
		case KeyUnknown:
			assert.Equal(t, ClassSystem, class)
		default:
			assert.Contains(t,
				[]int{ClassValidation, ClassStage, ClassArtifact, ClassSystem, ClassTimeout},
				class, "class for %s", key)
		}
	}
}
