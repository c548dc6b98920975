package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Base error kinds. Every BillingError matches exactly one of these via errors.Is.
var (
	ErrNotAuthentic        = errors.New("notification is not authentic")
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrUnresolvable        = errors.New("unresolvable notification")
	ErrInvalidUpgradePath  = errors.New("invalid upgrade path")
	ErrTransientDependency = errors.New("transient dependency failure")
	ErrOutOfOrder          = errors.New("notification arrived out of order")
	ErrInvoiceConflict     = errors.New("invoice id already belongs to another subscription")
	ErrUnsupported         = errors.New("operation not supported")
)

// Kind represents the category of a billing error.
type Kind string

const (
	KindAuthenticity Kind = "authenticity"
	KindMalformed    Kind = "malformed"
	KindUnresolvable Kind = "unresolvable"
	KindUpgradePath  Kind = "upgrade_path"
	KindTransient    Kind = "transient"
	KindOutOfOrder   Kind = "out_of_order"
	KindConflict     Kind = "conflict"
	KindUnsupported  Kind = "unsupported"
	KindInternal     Kind = "internal"
)

var kindSentinels = map[Kind]error{
	KindAuthenticity: ErrNotAuthentic,
	KindMalformed:    ErrMalformedPayload,
	KindUnresolvable: ErrUnresolvable,
	KindUpgradePath:  ErrInvalidUpgradePath,
	KindTransient:    ErrTransientDependency,
	KindOutOfOrder:   ErrOutOfOrder,
	KindConflict:     ErrInvoiceConflict,
	KindUnsupported:  ErrUnsupported,
}

// BillingError is a structured error for reconciliation operations.
type BillingError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "verify_chain", "classify")
	Platform  string // Payment platform if known
	EventID   string // Platform delivery id if known
	Err       error  // Underlying error
	Retryable bool
}

func (e *BillingError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Platform != "" {
		b.WriteString(" [")
		b.WriteString(e.Platform)
		if e.EventID != "" {
			b.WriteString(" ")
			b.WriteString(e.EventID)
		}
		b.WriteString("]")
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else if sentinel, ok := kindSentinels[e.Kind]; ok {
		b.WriteString(sentinel.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a BillingError. Retryability follows the kind.
func New(kind Kind, op string, err error) *BillingError {
	return &BillingError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Retryable: kind == KindTransient || kind == KindOutOfOrder,
	}
}

// WithPlatform adds platform and delivery information to the error.
func (e *BillingError) WithPlatform(platform, eventID string) *BillingError {
	e.Platform = platform
	e.EventID = eventID
	return e
}

// Authenticity wraps a verification failure. Never retried.
func Authenticity(op string, format string, args ...any) *BillingError {
	return New(KindAuthenticity, op, fmt.Errorf(format, args...))
}

// Malformed wraps a decoding failure. Never retried.
func Malformed(op string, err error) *BillingError {
	return New(KindMalformed, op, err)
}

// Unresolvable reports that no correlation key could be recovered.
func Unresolvable(op string, format string, args ...any) *BillingError {
	return New(KindUnresolvable, op, fmt.Errorf(format, args...))
}

// UpgradeViolation reports an illegal plan change requested before checkout.
func UpgradeViolation(current, target string) *BillingError {
	return New(KindUpgradePath, "validate_upgrade_path",
		fmt.Errorf("cannot move from %s to %s while active", current, target))
}

// Transient wraps a failed call to an external collaborator.
func Transient(op string, err error) *BillingError {
	return New(KindTransient, op, err)
}

// OutOfOrder reports a notification that must be retried after an earlier one lands.
func OutOfOrder(op string, format string, args ...any) *BillingError {
	return New(KindOutOfOrder, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first BillingError in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *BillingError
	if errors.As(err, &be) {
		return be.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var be *BillingError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return errors.Is(err, ErrTransientDependency) || errors.Is(err, ErrOutOfOrder)
}

// IsPermanent reports errors the platform must not be asked to redeliver for.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindAuthenticity, KindMalformed:
		return true
	default:
		return false
	}
}
