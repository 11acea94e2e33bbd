// Package errs defines the error taxonomy shared by every core component.
// Callers distinguish outcomes by Kind, never by message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind int

const (
	// KindValidation indicates malformed input: currency mismatch,
	// unbalanced journal entry, missing fields.
	KindValidation Kind = iota

	// KindPolicyViolation indicates a well-formed request refused by a
	// business rule: limit exceeded, insufficient funds, frozen account.
	KindPolicyViolation

	// KindConflict indicates an idempotent replay with a differing payload
	// or a detected concurrent modification.
	KindConflict

	// KindNotFound indicates the entity does not exist under the current tenant.
	KindNotFound

	// KindTenantIsolation indicates an attempted cross-tenant access
	// without the platform capability.
	KindTenantIsolation

	// KindAuditPoisoned indicates the audit chain failed verification;
	// writes for the tenant are refused until an operator clears it.
	KindAuditPoisoned

	// KindTransient indicates a retriable failure: storage unavailable,
	// lock acquisition timed out.
	KindTransient

	// KindCommittedUnaudited indicates the journal entry is durable but the
	// audit append failed; reconciliation is required.
	KindCommittedUnaudited

	// KindInternal indicates a bug; the operation must not have modified state.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicyViolation:
		return "policy-violation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not-found"
	case KindTenantIsolation:
		return "tenant-isolation"
	case KindAuditPoisoned:
		return "audit-poisoned"
	case KindTransient:
		return "transient"
	case KindCommittedUnaudited:
		return "committed-unaudited"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Error is a classified error. Op names the failing operation, Rule names
// the violated policy for KindPolicyViolation, and Err optionally wraps a
// lower-level cause.
type Error struct {
	Kind    Kind
	Op      string
	Rule    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s: %s (rule %s)", e.Op, e.Kind, msg, e.Rule)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified error.
func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Ef constructs a classified error with a formatted message.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Policy constructs a policy-violation error naming the violated rule.
func Policy(op, rule, message string) *Error {
	return &Error{Kind: KindPolicyViolation, Op: op, Rule: rule, Message: message}
}

// KindOf extracts the Kind from err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
