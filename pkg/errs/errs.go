// Package errs defines the typed error taxonomy shared by the
// constellation, device, scheduler, and planner packages (§7).
package errs

import (
	"fmt"
	"time"
)

// Category groups errors the way the orchestrator decides whether to
// recover automatically or surface them to the caller.
type Category string

const (
	CategoryInvariant Category = "invariant"
	CategoryDevice    Category = "device"
	CategoryTask      Category = "task"
	CategoryPlanner   Category = "planner"
	CategoryProtocol  Category = "protocol"
)

// Kind identifies a specific error within its category.
type Kind string

const (
	// Invariant errors (TaskConstellation). Never recovered locally.
	KindCycle              Kind = "cycle"
	KindMissingNode        Kind = "missing_node"
	KindDuplicate          Kind = "duplicate"
	KindIllegalTransition  Kind = "illegal_transition"
	KindInvariantViolation Kind = "invariant_violation"
	KindInvalidSpec        Kind = "invalid_spec"

	// Device errors. The scheduler handles these transparently.
	KindDeviceNotConnected Kind = "device_not_connected"
	KindDeviceBusy         Kind = "device_busy"
	KindDeviceLost         Kind = "device_lost"
	KindConnectTimeout     Kind = "connect_timeout"
	KindAuthRejected       Kind = "auth_rejected"

	// Task errors, as reported by a device or synthesized locally.
	KindTaskTimeout         Kind = "timeout"
	KindTaskDeviceLost      Kind = "device_lost"
	KindTaskDeviceRejected  Kind = "device_rejected"
	KindTaskExecutionError  Kind = "execution_error"
	KindTaskCancelled       Kind = "cancelled"

	// Planner errors.
	KindPlannerInvalid     Kind = "planner_invalid"
	KindPlannerTimeout     Kind = "planner_timeout"
	KindPlannerUnavailable Kind = "planner_unavailable"

	// Protocol errors.
	KindMalformedFrame Kind = "malformed_frame"
)

// ConstellationError is the structured error type returned by every
// public operation in this module. It carries enough context for a
// caller or log line to explain itself without re-deriving state.
type ConstellationError struct {
	Category  Category
	Kind      Kind
	Message   string
	Operation string
	Which     string // invariant tag for InvariantViolation (e.g. "running_removed")
	Cause     error
	At        time.Time
}

func (e *ConstellationError) Error() string {
	if e.Which != "" {
		return fmt.Sprintf("%s: %s{%s}: %s", e.Operation, e.Kind, e.Which, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, e.Message)
}

func (e *ConstellationError) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind regardless of message/context, so
// callers can write errors.Is(err, errs.DeviceBusy).
func (e *ConstellationError) Is(target error) bool {
	t, ok := target.(*ConstellationError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(category Category, kind Kind, operation, message string) *ConstellationError {
	return &ConstellationError{Category: category, Kind: kind, Operation: operation, Message: message, At: time.Now()}
}

func Wrap(category Category, kind Kind, operation, message string, cause error) *ConstellationError {
	return &ConstellationError{Category: category, Kind: kind, Operation: operation, Message: message, Cause: cause, At: time.Now()}
}

// Sentinel values for errors.Is comparisons against a bare kind.
var (
	Cycle              = &ConstellationError{Category: CategoryInvariant, Kind: KindCycle}
	MissingNode         = &ConstellationError{Category: CategoryInvariant, Kind: KindMissingNode}
	Duplicate           = &ConstellationError{Category: CategoryInvariant, Kind: KindDuplicate}
	IllegalTransition   = &ConstellationError{Category: CategoryInvariant, Kind: KindIllegalTransition}
	InvariantViolation  = &ConstellationError{Category: CategoryInvariant, Kind: KindInvariantViolation}
	InvalidSpec         = &ConstellationError{Category: CategoryInvariant, Kind: KindInvalidSpec}
	DeviceNotConnected  = &ConstellationError{Category: CategoryDevice, Kind: KindDeviceNotConnected}
	DeviceBusy          = &ConstellationError{Category: CategoryDevice, Kind: KindDeviceBusy}
	DeviceLost          = &ConstellationError{Category: CategoryDevice, Kind: KindDeviceLost}
	ConnectTimeout      = &ConstellationError{Category: CategoryDevice, Kind: KindConnectTimeout}
	AuthRejected        = &ConstellationError{Category: CategoryDevice, Kind: KindAuthRejected}
	PlannerInvalid      = &ConstellationError{Category: CategoryPlanner, Kind: KindPlannerInvalid}
	PlannerTimeout      = &ConstellationError{Category: CategoryPlanner, Kind: KindPlannerTimeout}
	PlannerUnavailable  = &ConstellationError{Category: CategoryPlanner, Kind: KindPlannerUnavailable}
	MalformedFrame      = &ConstellationError{Category: CategoryProtocol, Kind: KindMalformedFrame}
)

// InvariantViolationf builds an InvariantViolation with a `which` tag,
// e.g. errs.InvariantViolationf("batch", "running_removed").
func InvariantViolationf(operation, which string) *ConstellationError {
	return &ConstellationError{
		Category:  CategoryInvariant,
		Kind:      KindInvariantViolation,
		Operation: operation,
		Which:     which,
		Message:   fmt.Sprintf("invariant violated: %s", which),
		At:        time.Now(),
	}
}
