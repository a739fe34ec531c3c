package graph

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Error taxonomy for the execution engine.
//
// Transient failures are modeled as *RetryableError and its refinements
// (*NetworkError, *TimeoutError, *RateLimitError). Non-retryable failures
// use *ValidationError, *AuthenticationError and *ConfigurationError.
// *ToolError carries an optional HTTP-style status from which its
// retryability is inferred. Exhausted retries and terminal node failures
// surface as *ExecutionError.

// ErrCycleDetected is returned when a node is revisited in a graph built
// with cycles disallowed.
var ErrCycleDetected = errors.New("cycle detected: node already executed in this run")

// ErrDepthExceeded is returned when subgraph recursion exceeds the
// configured maximum depth. Terminal for the run.
var ErrDepthExceeded = errors.New("subgraph depth exceeded")

// ErrResolverMissing is returned at build time when a strict dynamic tool
// resolver references a tool absent from the registry.
var ErrResolverMissing = errors.New("strict tool resolver: tool missing from registry")

// ErrConcurrentAttempt is returned when an idempotency entry stays
// IN_FLIGHT past the retry budget, meaning another worker holds the
// attempt and has not finished.
var ErrConcurrentAttempt = errors.New("concurrent attempt in flight")

// ErrStepLimitExceeded is returned when a cyclic run exceeds its per-run
// step cap.
var ErrStepLimitExceeded = errors.New("execution exceeded per-run step limit")

// ErrNoRoute is returned when edge selection finds no matching outgoing
// edge for a non-output node.
var ErrNoRoute = errors.New("no matching outgoing edge")

// RetryableError marks a failure as transient. The retry supervisor will
// re-attempt the operation according to the governing RetryPolicy.
type RetryableError struct {
	Message string
	Cause   error
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return "retryable: " + e.Message + ": " + e.Cause.Error()
	}
	return "retryable: " + e.Message
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// NetworkError is a transport-level failure carrying an HTTP-style status
// code. Statuses 408, 429 and 5xx are retryable; other 4xx are not.
type NetworkError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (status %d): %s", e.StatusCode, e.Message)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// TimeoutError indicates an operation exceeded its deadline. Retryable.
type TimeoutError struct {
	Message string
	Cause   error
}

func (e *TimeoutError) Error() string { return "timeout: " + e.Message }
func (e *TimeoutError) Unwrap() error { return e.Cause }

// RateLimitError indicates the remote side rejected the call for rate
// limiting. RetryAfter, when positive, overrides the computed backoff
// delay (capped at the policy's MaxDelay).
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string { return "rate limited: " + e.Message }

// RetryAfterHint implements the retry-after contract consumed by the
// retry supervisor.
func (e *RateLimitError) RetryAfterHint() time.Duration { return e.RetryAfter }

// ValidationError indicates invalid input, graph topology or routing.
// Never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation: " + e.Message }

// AuthenticationError indicates missing or rejected credentials. Never
// retried.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return "authentication: " + e.Message }

// ConfigurationError indicates the engine or a node was misconfigured.
// Never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Message }

// ToolError is a failure raised by a tool invocation. Retryability is
// inferred from StatusCode: zero means unknown (not retryable), 408/429
// and 5xx are retryable.
type ToolError struct {
	ToolName   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ToolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tool %s failed (status %d): %s", e.ToolName, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tool %s failed: %s", e.ToolName, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// ExecutionError is the terminal wrapper for a node failure: either a
// non-retryable error or an exhausted retry sequence. It carries the
// diagnostics accumulated by the retry supervisor.
type ExecutionError struct {
	NodeID            string
	RetriesExhausted  bool
	TotalAttempts     int
	LastStatusCode    int
	TotalRetryDelayMs int64
	ElapsedMs         int64
	Cause             error
}

func (e *ExecutionError) Error() string {
	if e.RetriesExhausted {
		return fmt.Sprintf("node %s: retries exhausted after %d attempts: %v", e.NodeID, e.TotalAttempts, e.Cause)
	}
	return fmt.Sprintf("node %s: execution failed: %v", e.NodeID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// InvalidStateTransitionError is returned when a state change violates
// the transition table.
type InvalidStateTransitionError struct {
	From   State
	To     State
	NodeID string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// RetryHint lets any error opt out of retries regardless of its type.
type RetryHint interface {
	SkipRetry() bool
}

// retryForcer marks wrappers that pin an error as retryable regardless
// of its classification (middleware RETRY votes).
type retryForcer interface {
	ForceRetry() bool
}

// retryAfterHinter is implemented by errors carrying an explicit
// retry-after delay (e.g. *RateLimitError).
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// statusCoder is implemented by errors carrying an HTTP-style status,
// including tool errors raised outside this package.
type statusCoder interface {
	HTTPStatus() int
}

// Classify converts an arbitrary error into the engine taxonomy. It is
// the boundary where exceptions from node code become typed errors:
// network-level failures (timeouts, connection errors, DNS failures)
// become retryable, everything already typed passes through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	// Already part of the taxonomy.
	var (
		re *RetryableError
		ne *NetworkError
		te *TimeoutError
		le *RateLimitError
		ve *ValidationError
		ae *AuthenticationError
		ce *ConfigurationError
		to *ToolError
		ee *ExecutionError
	)
	if errors.As(err, &re) || errors.As(err, &ne) || errors.As(err, &te) ||
		errors.As(err, &le) || errors.As(err, &ve) || errors.As(err, &ae) ||
		errors.As(err, &ce) || errors.As(err, &to) || errors.As(err, &ee) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &TimeoutError{Message: err.Error(), Cause: err}
		}
		return &RetryableError{Message: "network failure", Cause: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &RetryableError{Message: "network failure", Cause: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &RetryableError{Message: "dns failure", Cause: err}
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return &NetworkError{StatusCode: sc.HTTPStatus(), Message: err.Error(), Cause: err}
	}

	return err
}

// retryableStatus reports whether an HTTP-style status is transient.
func retryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// IsRetryable applies the classifier rules of the retry supervisor:
//
//   - *RetryableError, *TimeoutError, *RateLimitError: retryable
//   - *NetworkError: retryable iff status is 408, 429 or 5xx
//   - *ToolError: retryable iff its status is retryable
//   - *ValidationError, *AuthenticationError, *ConfigurationError: never
//   - any error with RetryHint.SkipRetry() == true: never
//   - any error pinned retryable by a middleware RETRY vote: always
//   - everything else: not retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var hint RetryHint
	if errors.As(err, &hint) && hint.SkipRetry() {
		return false
	}
	var force retryForcer
	if errors.As(err, &force) && force.ForceRetry() {
		return true
	}

	var ve *ValidationError
	var ae *AuthenticationError
	var ce *ConfigurationError
	if errors.As(err, &ve) || errors.As(err, &ae) || errors.As(err, &ce) {
		return false
	}

	var ne *NetworkError
	if errors.As(err, &ne) {
		return retryableStatus(ne.StatusCode)
	}
	var to *ToolError
	if errors.As(err, &to) {
		return retryableStatus(to.StatusCode)
	}

	var re *RetryableError
	var te *TimeoutError
	var le *RateLimitError
	if errors.As(err, &re) || errors.As(err, &te) || errors.As(err, &le) {
		return true
	}

	return false
}

// errorStatusCode extracts the HTTP-style status from a classified error,
// zero when absent. Used for ExecutionError diagnostics.
func errorStatusCode(err error) int {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.StatusCode
	}
	var to *ToolError
	if errors.As(err, &to) {
		return to.StatusCode
	}
	return 0
}

// errorRetryAfter extracts the explicit retry-after hint, if any.
func errorRetryAfter(err error) (time.Duration, bool) {
	var h retryAfterHinter
	if errors.As(err, &h) && h.RetryAfterHint() > 0 {
		return h.RetryAfterHint(), true
	}
	return 0, false
}
