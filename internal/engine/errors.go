package engine

import (
	"fmt"
	"strings"
)

// DuplicateFileError is returned when a path is already part of the session.
type DuplicateFileError struct {
	Path string
}

func (e *DuplicateFileError) Error() string {
	return "file already added: " + e.Path
}

// MissingFileError is returned when a path does not exist on disk.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return "no such file: " + e.Path
}

// IntegrationError wraps a failed master or light integration.
type IntegrationError struct {
	Group string
	Err   error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integration of %s failed: %v", e.Group, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// CalibrationError wraps a failed calibration call.
type CalibrationError struct {
	Group string
	Err   error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibration of %s failed: %v", e.Group, e.Err)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

// RegistrationError wraps a failed registration call.
type RegistrationError struct {
	Group string
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration of %s failed: %v", e.Group, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// NoSurvivingFramesError is returned when every output of a step is missing.
type NoSurvivingFramesError struct {
	Stage string
	Group string
}

func (e *NoSurvivingFramesError) Error() string {
	return fmt.Sprintf("%s: no frames of %s survived", e.Stage, e.Group)
}

// TemplateNotFoundError reports an unknown cosmetic correction template.
type TemplateNotFoundError struct {
	ID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("cosmetic correction template %q not found", e.ID)
}

// TemplateTypeError reports a template that is not a cosmetic correction.
type TemplateTypeError struct {
	ID   string
	Kind string
}

func (e *TemplateTypeError) Error() string {
	return fmt.Sprintf("template %q is a %s, not a %s", e.ID, e.Kind, TemplateKindCosmetic)
}

// DebayerError wraps a failed demosaic of one file.
type DebayerError struct {
	Path string
	Err  error
}

func (e *DebayerError) Error() string {
	return fmt.Sprintf("debayer %s: %v", e.Path, e.Err)
}

func (e *DebayerError) Unwrap() error { return e.Err }

// CosmeticCorrectionError wraps a failed cosmetic correction call.
type CosmeticCorrectionError struct {
	Group string
	Err   error
}

func (e *CosmeticCorrectionError) Error() string {
	return fmt.Sprintf("cosmetic correction of %s failed: %v", e.Group, e.Err)
}

func (e *CosmeticCorrectionError) Unwrap() error { return e.Err }

// DiagnosticsError is returned by Run when the pre-flight check finds errors.
type DiagnosticsError struct {
	Report Report
}

func (e *DiagnosticsError) Error() string {
	errs := e.Report.Errors()
	msgs := make([]string, 0, len(errs))
	for _, d := range errs {
		msgs = append(msgs, d.Message)
	}
	return fmt.Sprintf("%d diagnostic error(s): %s", len(errs), strings.Join(msgs, "; "))
}
