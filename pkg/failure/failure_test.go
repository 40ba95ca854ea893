package failure

import (
	"errors"
	"fmt"
	"testing"

	cferrors "github.com/input-output-hk/catalyst-forge-libs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeMissingTransformArtifact, "matrix %s not found", "sub001_MNI.mat")
	wrapped := fmt.Errorf("inverse: %w", err)

	assert.True(t, errors.Is(wrapped, ErrMissingTransformArtifact))
	assert.False(t, errors.Is(wrapped, ErrSingularTransform))
	assert.Equal(t, CodeMissingTransformArtifact, CodeOf(wrapped))
}

func TestStageAndDiagnosticSurviveWrapping(t *testing.T) {
	cause := errors.New("exit status 1")
	err := Wrap(CodeExternalToolError, cause, "flirt failed").
		WithStage("register").
		WithDiagnostic("Image Exception : #22 :: Failed to read volume")

	outer := fmt.Errorf("forward pipeline: %w", err)

	require.Equal(t, "register", StageOf(outer))
	require.Contains(t, DiagnosticOf(outer), "Failed to read volume")
	assert.ErrorIs(t, outer, cause)
	assert.Equal(t, "stage register: EXTERNAL_TOOL_ERROR: flirt failed: exit status 1", err.Error())
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.Equal(t, "", StageOf(nil))
}

func TestInStage(t *testing.T) {
	plain := errors.New("disk full")
	err := InStage(plain, "reorient")
	assert.Equal(t, "reorient", StageOf(err))
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, "stage reorient: disk full", err.Error())

	coded := New(CodeSingularTransform, "det 0")
	err = InStage(coded, "invert-registration")
	assert.ErrorIs(t, err, ErrSingularTransform)
	assert.Equal(t, "invert-registration", StageOf(err))

	// an already attributed error keeps its original stage
	assert.Equal(t, "invert-registration", StageOf(InStage(err, "driver")))
	assert.Nil(t, InStage(nil, "x"))
}

func TestSharedCodesMatchCatalogue(t *testing.T) {
	err := New(cferrors.CodeInvalidConfig, "atlas.template is required")

	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, cferrors.ErrorCode("INVALID_CONFIGURATION"), CodeOf(err))
	assert.Equal(t, "INVALID_CONFIGURATION: atlas.template is required", err.Error())
}
