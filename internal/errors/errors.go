// Package errors defines the typed error taxonomy used across the wallet
// data plane. Errors carry a machine-checkable kind, a severity, and a
// structured context payload instead of a class hierarchy.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the error category.
type Kind string

// Error kinds. Specializations map onto a base category via Category().
const (
	// Security
	KindSecurity       Kind = "security"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindEncryption     Kind = "encryption"
	KindDecryption     Kind = "decryption"
	KindKeyManagement  Kind = "key_management"

	// Transaction
	KindTransaction       Kind = "transaction"
	KindInsufficientFunds Kind = "insufficient_funds"

	// Network
	KindNetwork        Kind = "network"
	KindNodeConnection Kind = "node_connection"
	KindSync           Kind = "sync"

	// Validation
	KindValidation     Kind = "validation"
	KindInvalidAddress Kind = "invalid_address"
	KindInvalidAmount  Kind = "invalid_amount"
	KindInvalidFee     Kind = "invalid_fee"

	// Storage and repositories
	KindStorage    Kind = "storage"
	KindRepository Kind = "repository"

	// Payment channels
	KindChannel Kind = "channel"
	KindPayment Kind = "payment"

	// Asset overlay
	KindAsset         Kind = "asset"
	KindAssetTransfer Kind = "asset_transfer"

	// UTXO management
	KindUtxoSelection Kind = "utxo_selection"
	KindUtxoLocking   Kind = "utxo_locking"

	// Fees
	KindFeeEstimation Kind = "fee_estimation"

	// Backup
	KindBackupCreation    Kind = "backup_creation"
	KindBackupRestoration Kind = "backup_restoration"

	// History
	KindHistoryRetrieval Kind = "history_retrieval"
	KindHistoryExport    Kind = "history_export"

	// Routing
	KindUnsupportedChain Kind = "unsupported_chain"
	KindNotImplemented   Kind = "not_implemented"
)

// Category groups kinds for recovery routing and monitoring aggregation.
type Category string

const (
	CategorySecurity    Category = "security"
	CategoryTransaction Category = "transaction"
	CategoryNetwork     Category = "network"
	CategoryValidation  Category = "validation"
	CategoryStorage     Category = "storage"
	CategoryChannel     Category = "channel"
	CategoryAsset       Category = "asset"
	CategoryUtxo        Category = "utxo"
	CategoryFee         Category = "fee"
	CategoryBackup      Category = "backup"
	CategoryHistory     Category = "history"
	CategoryOther       Category = "other"
)

// Severity indicates how an error should be handled.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity name. Unknown names map to error.
func ParseSeverity(s string) Severity {
	switch s {
	case "debug":
		return SeverityDebug
	case "info":
		return SeverityInfo
	case "warning", "warn":
		return SeverityWarning
	case "critical":
		return SeverityCritical
	default:
		return SeverityError
	}
}

// Error is the typed error carried through the data plane. Callers always
// receive one of these with a human-readable message and a kind, never a
// raw transport error.
type Error struct {
	Kind      Kind
	Severity  Severity
	Component string
	Op        string
	Message   string
	Err       error
	Metadata  map[string]string
	Time      time.Time
}

// E constructs a new Error.
func E(kind Kind, component, op, message string) *Error {
	return &Error{
		Kind:      kind,
		Severity:  SeverityError,
		Component: component,
		Op:        op,
		Message:   message,
		Time:      time.Now(),
	}
}

// Wrap constructs an Error wrapping a cause. The cause is preserved and
// reachable through Unwrap, never swallowed.
func Wrap(err error, kind Kind, component, op, message string) *Error {
	return &Error{
		Kind:      kind,
		Severity:  SeverityError,
		Component: component,
		Op:        op,
		Message:   message,
		Err:       err,
		Time:      time.Now(),
	}
}

// WithSeverity sets the severity and returns the error.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithMeta attaches a metadata key/value pair.
func (e *Error) WithMeta(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Component, e.Op, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is can match by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Category returns the base category for this error's kind.
func (e *Error) Category() Category {
	return CategoryOf(e.Kind)
}

// CategoryOf maps a kind to its base category.
func CategoryOf(kind Kind) Category {
	switch kind {
	case KindSecurity, KindAuthentication, KindAuthorization,
		KindEncryption, KindDecryption, KindKeyManagement:
		return CategorySecurity
	case KindTransaction, KindInsufficientFunds:
		return CategoryTransaction
	case KindNetwork, KindNodeConnection, KindSync:
		return CategoryNetwork
	case KindValidation, KindInvalidAddress, KindInvalidAmount, KindInvalidFee,
		KindUnsupportedChain, KindNotImplemented:
		return CategoryValidation
	case KindStorage, KindRepository:
		return CategoryStorage
	case KindChannel, KindPayment:
		return CategoryChannel
	case KindAsset, KindAssetTransfer:
		return CategoryAsset
	case KindUtxoSelection, KindUtxoLocking:
		return CategoryUtxo
	case KindFeeEstimation:
		return CategoryFee
	case KindBackupCreation, KindBackupRestoration:
		return CategoryBackup
	case KindHistoryRetrieval, KindHistoryExport:
		return CategoryHistory
	default:
		return CategoryOther
	}
}

// Recoverable reports whether a category is routed through automatic
// recovery. Security and validation errors are never auto-retried.
func (c Category) Recoverable() bool {
	switch c {
	case CategoryTransaction, CategoryNetwork, CategoryStorage:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of an error, or the empty kind if it is not a
// taxonomy error anywhere in its chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SeverityOf returns the severity of an error. Plain errors default to
// error severity.
func SeverityOf(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return SeverityError
}

// AsError extracts the taxonomy error from a chain, or wraps a plain
// error into an untyped storage-agnostic Error with the given defaults.
func AsError(err error, kind Kind, component, op string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, kind, component, op, err.Error())
}
