package models

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrPaused                = errors.New("processor is paused")
	ErrInvalidState          = errors.New("invalid state")
	ErrValidation            = errors.New("validation failed")
	ErrAssetMismatch         = errors.New("asset mismatch")
	ErrNotFound              = errors.New("not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// AuthorizationError is returned when the caller lacks the role an
// operation requires, or when a mutating call arrives while paused.
type AuthorizationError struct {
	Caller Address
	Role   string
	Paused bool
}

func (e *AuthorizationError) Error() string {
	if e.Paused {
		return ErrPaused.Error()
	}
	return fmt.Sprintf("unauthorized: %s is not %s", e.Caller, e.Role)
}

func (e *AuthorizationError) Is(target error) bool {
	if target == ErrUnauthorized {
		return true
	}
	return e.Paused && target == ErrPaused
}

// StateError reports a lifecycle precondition mismatch.
type StateError struct {
	OrderID uint64
	Record  string
	Want    string
	Got     string
}

func (e *StateError) Error() string {
	record := e.Record
	if record == "" {
		record = "order"
	}
	return fmt.Sprintf("%s %d: state is %s, want %s", record, e.OrderID, e.Got, e.Want)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

type ValidationError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// AssetMismatchError is returned when the native/token path supplied by the
// caller disagrees with the one recorded for the order or withdrawal.
type AssetMismatchError struct {
	OrderID uint64
	Want    Address
	Got     Address
}

func (e *AssetMismatchError) Error() string {
	return fmt.Sprintf("order %d: asset is %s, got %s", e.OrderID, assetName(e.Want), assetName(e.Got))
}

func (e *AssetMismatchError) Is(target error) bool {
	return target == ErrAssetMismatch
}

func NewStateError(orderID uint64, want, got OrderState) error {
	return &StateError{OrderID: orderID, Record: "order", Want: string(want), Got: string(got)}
}

func NewWithdrawStateError(orderID uint64, want, got WithdrawState) error {
	return &StateError{OrderID: orderID, Record: "withdrawal", Want: string(want), Got: string(got)}
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func assetName(a Address) string {
	switch a {
	case NativeAsset:
		return "native"
	case AnyToken:
		return "a token"
	}
	return strconv.Quote(string(a))
}
