// Package perrors defines the domain-level error kinds shared across the
// proxy pipeline (§7). Each kind is a sentinel wrapped with errors.Is
// support so callers can branch on category without string matching.
package perrors

import "fmt"

// Kind identifies a category of failure from §7. These are not Go types —
// callers match a Kind with errors.Is against an *Error of that Kind, or
// read e.Kind after errors.As.
type Kind string

const (
	AcceptFailure            Kind = "accept_failure"
	ClassifyTimeout          Kind = "classify_timeout"
	ClientDisconnect         Kind = "client_disconnect"
	TlsNotEnabled            Kind = "tls_not_enabled"
	TlsHandshakeFailure      Kind = "tls_handshake_failure"
	BadRequest               Kind = "bad_request"
	HostResolutionFailure    Kind = "host_resolution_failure"
	UnsupportedUpstreamType  Kind = "unsupported_upstream_type"
	UpstreamHandshakeFailure Kind = "upstream_handshake_failure"
	AllUpstreamsFailed       Kind = "all_upstreams_failed"
	RelayTerminated          Kind = "relay_terminated"
	SupervisorLaunchFailure  Kind = "supervisor_launch_failure"
	SupervisorMaxRestarts    Kind = "supervisor_max_restarts_reached"
	HealthCheckTimeout       Kind = "health_check_timeout"
	HealthCheckRejected      Kind = "health_check_rejected"
	NoAddresses              Kind = "no_addresses"
)

// Error wraps an underlying error with a Kind so it can be classified by
// the connection handler without parsing strings.
type Error struct {
	Kind Kind
	Op   string // short description of what was being attempted
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements errors.Is against another *Error, matching on Kind alone
// (Op and Err of the target are ignored), e.g.
// errors.Is(err, perrors.New(perrors.BadRequest, "", nil)) or, more
// commonly, checking e.Kind == perrors.BadRequest after an errors.As.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// AggregateError carries one failure per attempted upstream, in the order
// attempted (§4.F, AllUpstreamsFailed; §8 failover monotonicity law).
type AggregateError struct {
	Causes []error
}

func (e *AggregateError) Error() string {
	if len(e.Causes) == 0 {
		return "all upstreams failed: no causes recorded"
	}
	s := fmt.Sprintf("all upstreams failed (%d attempts): ", len(e.Causes))
	for i, c := range e.Causes {
		if i > 0 {
			s += "; "
		}
		s += c.Error()
	}
	return s
}

func (e *AggregateError) Unwrap() []error { return e.Causes }
