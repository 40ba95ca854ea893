// Package failure defines the error taxonomy of the cavity pipeline.
// Errors carry a string code so that callers can match them with errors.Is
// regardless of the message or the wrapped cause, and so that the run
// manifest can record them verbatim.
package failure

import (
	"errors"
	"fmt"
	"strings"

	cferrors "github.com/input-output-hk/catalyst-forge-libs/errors"
)

// Code identifies a class of pipeline failure. Codes shared with other
// tooling come from the catalyst error catalogue; the rest are local.
type Code = cferrors.ErrorCode

const (
	// CodeUnsupportedInputFormat indicates the input is not NIfTI, a DICOM folder or a zip.
	CodeUnsupportedInputFormat Code = "UNSUPPORTED_INPUT_FORMAT"

	// CodeMissingInput indicates a declared input artifact does not exist.
	CodeMissingInput Code = "MISSING_INPUT"

	// CodeNoDicomFound indicates an extracted archive holds no DICOM files.
	CodeNoDicomFound Code = "NO_DICOM_FOUND"

	// CodeConversionProducedNoOutput indicates the DICOM converter produced no volume.
	CodeConversionProducedNoOutput Code = "CONVERSION_PRODUCED_NO_OUTPUT"

	// CodeStageProducedNoOutput indicates a stage ran but its declared output is absent or invalid.
	CodeStageProducedNoOutput Code = "STAGE_PRODUCED_NO_OUTPUT"

	// CodeAmbiguousConversionResult indicates several converted volumes; never fatal.
	CodeAmbiguousConversionResult Code = "AMBIGUOUS_CONVERSION_RESULT"

	// CodeMissingTransformArtifact indicates an inverse step could not find its matrix.
	CodeMissingTransformArtifact Code = "MISSING_TRANSFORM_ARTIFACT"

	// CodeSingularTransform indicates a recorded matrix cannot be inverted.
	CodeSingularTransform Code = "SINGULAR_TRANSFORM"

	// CodeEmptySegmentationResult indicates the segmented volume is zero; never fatal.
	CodeEmptySegmentationResult Code = "EMPTY_SEGMENTATION_RESULT"

	// CodeExternalToolError indicates an external process reported failure.
	CodeExternalToolError Code = "EXTERNAL_TOOL_ERROR"

	// CodeGeometryMismatch indicates the final mask grid differs from the original grid.
	CodeGeometryMismatch Code = "GEOMETRY_MISMATCH"

	// CodeInvalidConfig indicates a configuration error prevents the run.
	CodeInvalidConfig = cferrors.CodeInvalidConfig
)

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrUnsupportedInputFormat     = &Error{Code: CodeUnsupportedInputFormat}
	ErrMissingInput               = &Error{Code: CodeMissingInput}
	ErrNoDicomFound               = &Error{Code: CodeNoDicomFound}
	ErrConversionProducedNoOutput = &Error{Code: CodeConversionProducedNoOutput}
	ErrStageProducedNoOutput      = &Error{Code: CodeStageProducedNoOutput}
	ErrAmbiguousConversionResult  = &Error{Code: CodeAmbiguousConversionResult}
	ErrMissingTransformArtifact   = &Error{Code: CodeMissingTransformArtifact}
	ErrSingularTransform          = &Error{Code: CodeSingularTransform}
	ErrEmptySegmentationResult    = &Error{Code: CodeEmptySegmentationResult}
	ErrExternalToolError          = &Error{Code: CodeExternalToolError}
	ErrGeometryMismatch           = &Error{Code: CodeGeometryMismatch}
	ErrInvalidConfig              = &Error{Code: CodeInvalidConfig}
)

// Error is a coded pipeline error.
type Error struct {
	// Code classifies the failure.
	Code Code

	// Stage names the pipeline stage that failed, if any.
	Stage string

	// Message is a human readable description.
	Message string

	// Diagnostic holds the external tool's output when the failure came from a process.
	Diagnostic string

	// Err is the underlying cause.
	Err error
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithStage returns a copy of e attributed to stage.
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// WithDiagnostic returns a copy of e carrying the tool output.
func (e *Error) WithDiagnostic(diag string) *Error {
	c := *e
	c.Diagnostic = diag
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		fmt.Fprintf(&b, "stage %s: ", e.Stage)
	}
	parts := make([]string, 0, 3)
	if e.Code != "" {
		parts = append(parts, string(e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	b.WriteString(strings.Join(parts, ": "))
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// InStage attributes err to stage unless it already names one.
// Uncoded errors are wrapped so that StageOf still finds the stage.
func InStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		if e.Stage != "" {
			return e
		}
		return e.WithStage(stage)
	}
	if StageOf(err) != "" {
		return err
	}
	return &Error{Code: CodeOf(err), Stage: stage, Err: err}
}

// CodeOf extracts the code of the outermost *Error in err's chain.
// It returns the empty code when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// StageOf returns the first stage name found in err's chain.
func StageOf(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Stage != "" {
			return e.Stage
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// DiagnosticOf returns the first tool diagnostic found in err's chain.
func DiagnosticOf(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Diagnostic != "" {
			return e.Diagnostic
		}
		err = errors.Unwrap(err)
	}
	return ""
}
