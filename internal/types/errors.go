// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Engine errors
	ErrEngineClosed  = errors.New("browser engine is closed")
	ErrBrowserLaunch = errors.New("failed to launch browser")

	// Navigation errors
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrNavigationFailed  = errors.New("navigation failed")
	ErrProxyFault        = errors.New("proxy fault during navigation")
	ErrInvalidURL        = errors.New("invalid URL")

	// CAPTCHA solver errors
	ErrCaptchaNotConfigured   = errors.New("captcha solver API key not configured")
	ErrCaptchaSolverTimeout   = errors.New("captcha solver timed out")
	ErrCaptchaSolverRejected  = errors.New("captcha task was rejected")
	ErrCaptchaSolverBalance   = errors.New("insufficient solver balance")
	ErrCaptchaEmptySolution   = errors.New("captcha solver returned an empty solution")
	ErrCaptchaProxyIncomplete = errors.New("proxy server and credentials are required")

	// Rules errors
	ErrRulesEmpty = errors.New("rules must define at least one title, selector, or keyword")
)

// NavigationKind classifies a navigation failure for restart policy.
type NavigationKind string

// Navigation failure kinds.
const (
	NavigationTimeout NavigationKind = "timeout"
	NavigationProxy   NavigationKind = "proxy"
	NavigationOther   NavigationKind = "other"
)

// NavigationError carries the original browser error text for a failed navigation.
type NavigationError struct {
	Kind    NavigationKind
	URL     string
	Attempt int
	Err     error
}

// Error implements the error interface. The original message is preserved
// so callers can match on the browser's own fault signature.
func (e *NavigationError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " navigating to " + e.URL
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *NavigationError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches the sentinel for this failure kind.
func (e *NavigationError) Is(target error) bool {
	switch e.Kind {
	case NavigationTimeout:
		return target == ErrNavigationTimeout
	case NavigationProxy:
		return target == ErrProxyFault
	default:
		return target == ErrNavigationFailed
	}
}

// NewNavigationError creates a NavigationError.
func NewNavigationError(kind NavigationKind, url string, attempt int, err error) *NavigationError {
	return &NavigationError{Kind: kind, URL: url, Attempt: attempt, Err: err}
}

// EngineError provides detailed information about browser lifecycle failures.
type EngineError struct {
	Operation string // The operation that failed
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates an error for a failed lifecycle operation.
func NewEngineError(operation string, err error) *EngineError {
	msg := "browser " + operation + " failed"
	if err != nil {
		msg += ": " + err.Error()
	}
	return &EngineError{
		Operation: operation,
		Message:   msg,
		Err:       err,
	}
}

// CaptchaError provides detailed information about CAPTCHA solving failures.
// It implements the error interface and supports error unwrapping.
type CaptchaError struct {
	Provider string // Provider name
	TaskID   string // Task ID from the provider (for debugging)
	Code     string // Error code from the provider
	Message  string // Human-readable error message
	Err      error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *CaptchaError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CaptchaError) Unwrap() error {
	return e.Err
}

// NewCaptchaTimeoutError creates an error for CAPTCHA solve timeout.
func NewCaptchaTimeoutError(provider, taskID string) *CaptchaError {
	return &CaptchaError{
		Provider: provider,
		TaskID:   taskID,
		Code:     "timeout",
		Message:  "CAPTCHA solving timed out waiting for solution from " + provider,
		Err:      ErrCaptchaSolverTimeout,
	}
}

// NewCaptchaRejectedError creates an error when CAPTCHA task is rejected.
func NewCaptchaRejectedError(provider, code, reason string) *CaptchaError {
	return &CaptchaError{
		Provider: provider,
		Code:     code,
		Message:  "CAPTCHA task rejected by " + provider + ": " + reason,
		Err:      ErrCaptchaSolverRejected,
	}
}

// NewCaptchaBalanceError creates an error for insufficient balance.
func NewCaptchaBalanceError(provider string) *CaptchaError {
	return &CaptchaError{
		Provider: provider,
		Code:     "insufficient_balance",
		Message:  "Insufficient balance in " + provider + " account",
		Err:      ErrCaptchaSolverBalance,
	}
}
