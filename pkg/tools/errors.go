package tools

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrorClass decides retry behavior and surfacing for a failed invocation.
type ErrorClass string

const (
	ClassRetryable      ErrorClass = "RETRYABLE"
	ClassUser           ErrorClass = "USER"
	ClassProvider       ErrorClass = "PROVIDER"
	ClassInfrastructure ErrorClass = "INFRASTRUCTURE"
	ClassUnknown        ErrorClass = "UNKNOWN"
)

// Error codes surfaced to callers on tool-call failures.
const (
	CodePolicyDenied = "POLICY_DENIED"
	CodeValidation   = "VALIDATION"
	CodeTimeout      = "TIMEOUT"
	CodeUnknownAgent = "UNKNOWN_AGENT"
	CodeUnknown      = "UNKNOWN"
)

// PolicyDeniedError reports a gate denial. Non-retryable.
type PolicyDeniedError struct {
	ToolID   string
	DeniedBy string
}

func (e *PolicyDeniedError) Error() string {
	if e.DeniedBy != "" {
		return fmt.Sprintf("tool %q denied by policy (%s)", e.ToolID, e.DeniedBy)
	}
	return fmt.Sprintf("tool %q denied by policy", e.ToolID)
}

// ValidationError reports malformed tool input. Non-retryable.
type ValidationError struct {
	ToolID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for tool %q: %s", e.ToolID, e.Reason)
}

// TimeoutError reports that one attempt exceeded the tool timeout.
type TimeoutError struct {
	ToolID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.ToolID, e.Timeout)
}

// UnknownAgentError reports a handoff to an agent that does not exist. The
// message lists available agents so the model can correct itself.
type UnknownAgentError struct {
	AgentID   string
	Available []string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q; available agents: %s", e.AgentID, strings.Join(e.Available, ", "))
}

var (
	retryablePattern      = regexp.MustCompile(`(?i)(timeout|timed out|429|rate limit|503|service unavailable)`)
	userPattern           = regexp.MustCompile(`(?i)(validation|invalid .* format)`)
	providerPattern       = regexp.MustCompile(`(?i)(api key|unauthorized|401)`)
	infrastructurePattern = regexp.MustCompile(`(?i)(database|connection refused|ECONNREFUSED)`)
)

// Classify maps an error to its class. Typed gate and validation errors
// classify structurally; everything else classifies on the message, first
// match wins.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var policyErr *PolicyDeniedError
	var validationErr *ValidationError
	var timeoutErr *TimeoutError
	switch {
	case errors.As(err, &policyErr):
		return ClassUser
	case errors.As(err, &validationErr):
		return ClassUser
	case errors.As(err, &timeoutErr):
		return ClassRetryable
	}

	msg := err.Error()
	switch {
	case retryablePattern.MatchString(msg):
		return ClassRetryable
	case userPattern.MatchString(msg):
		return ClassUser
	case providerPattern.MatchString(msg):
		return ClassProvider
	case infrastructurePattern.MatchString(msg):
		return ClassInfrastructure
	default:
		return ClassUnknown
	}
}

// ErrorCode maps an error to the opaque code included in responses. Raw
// internals never ride along; the code plus a short message is the whole
// user-visible surface.
func ErrorCode(err error) string {
	var policyErr *PolicyDeniedError
	var validationErr *ValidationError
	var timeoutErr *TimeoutError
	var agentErr *UnknownAgentError
	switch {
	case errors.As(err, &policyErr):
		return CodePolicyDenied
	case errors.As(err, &validationErr):
		return CodeValidation
	case errors.As(err, &timeoutErr):
		return CodeTimeout
	case errors.As(err, &agentErr):
		return CodeUnknownAgent
	default:
		return CodeUnknown
	}
}
