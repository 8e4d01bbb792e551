package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity ranks an issue.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue points at one problem in a workflow or blueprint document.
// Path is slash separated from the document root, e.g. "/steps/2/next".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s %s: [%s] %s", i.Severity, i.Path, i.Code, i.Message)
}

// ValidationResult collects the issues found while checking a document.
// Only errors make it invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues unchanged. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	r.MergeAt("", other)
}

// MergeAt appends other's issues with their paths re-rooted under prefix,
// so a nested workflow's "/steps/0" becomes "/entities/1/effectors/restart/steps/0".
func (r *ValidationResult) MergeAt(prefix string, other *ValidationResult) {
	if other == nil {
		return
	}
	for _, issue := range other.Errors {
		issue.Path = JoinIssuePath(prefix, issue.Path)
		r.Errors = append(r.Errors, issue)
	}
	for _, issue := range other.Warnings {
		issue.Path = JoinIssuePath(prefix, issue.Path)
		r.Warnings = append(r.Warnings, issue)
	}
}

// JoinIssuePath appends path below prefix. The root path "/" names prefix itself.
func JoinIssuePath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "" || path == "/":
		return prefix
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(path, "/")
}

// ToError returns nil when valid. Otherwise it returns a VALIDATION error
// carrying every issue in its details; a lone error lends its message.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	if len(r.Errors) == 1 {
		msg = r.Errors[0].Message
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
