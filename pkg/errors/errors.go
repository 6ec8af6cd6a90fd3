package errors

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError is returned when a device or lease reference is unknown.
// It is never retried; the reference itself is wrong.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewDeviceNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Resource: "device", ID: id}
}

func NewLeaseNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Resource: "lease", ID: id}
}

func NewAgentNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Resource: "agent", ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func IsNotFoundError(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

// BusyError is returned when a device already has an active lease.
// The caller decides whether and how to retry.
type BusyError struct {
	DeviceID string
	HolderID string
}

func NewDeviceBusyError(deviceID, holderID string) *BusyError {
	return &BusyError{DeviceID: deviceID, HolderID: holderID}
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device %q is leased by %q", e.DeviceID, e.HolderID)
}

func IsBusyError(err error) bool {
	var t *BusyError
	return errors.As(err, &t)
}

// ExpiredError is returned on renew/release of a lease whose deadline has
// already passed. The holder must reacquire; expiry is never retroactively
// undone.
type ExpiredError struct {
	DeviceID string
	Token    uint64
}

func NewLeaseExpiredError(deviceID string, token uint64) *ExpiredError {
	return &ExpiredError{DeviceID: deviceID, Token: token}
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("lease %d on device %q has expired", e.Token, e.DeviceID)
}

func IsExpiredError(err error) bool {
	var t *ExpiredError
	return errors.As(err, &t)
}

// InvalidTokenError is returned when a lease token does not match the
// device's current lease. It signals a stale holder.
type InvalidTokenError struct {
	DeviceID string
	Token    uint64
}

func NewInvalidTokenError(deviceID string, token uint64) *InvalidTokenError {
	return &InvalidTokenError{DeviceID: deviceID, Token: token}
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("token %d is not the current lease on device %q", e.Token, e.DeviceID)
}

func IsInvalidTokenError(err error) bool {
	var t *InvalidTokenError
	return errors.As(err, &t)
}

// UnreachableError is returned when the host agent holding a device is
// unresponsive, or when the session transport fails. RetryAfter is a hint.
type UnreachableError struct {
	Target     string
	RetryAfter time.Duration
	Cause      error
}

func NewUnreachableError(target string, retryAfter time.Duration, cause error) *UnreachableError {
	return &UnreachableError{Target: target, RetryAfter: retryAfter, Cause: cause}
}

func (e *UnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s unreachable: %v", e.Target, e.Cause)
	}
	return fmt.Sprintf("%s unreachable", e.Target)
}

func (e *UnreachableError) Unwrap() error { return e.Cause }

func IsUnreachableError(err error) bool {
	var t *UnreachableError
	return errors.As(err, &t)
}

// DeviceRemovedError is returned when the physical device disappeared
// mid-session. Distinct from a transport fault: the device is gone and the
// operation must not be retried automatically.
type DeviceRemovedError struct {
	DeviceID string
}

func NewDeviceRemovedError(deviceID string) *DeviceRemovedError {
	return &DeviceRemovedError{DeviceID: deviceID}
}

func (e *DeviceRemovedError) Error() string {
	return fmt.Sprintf("device %q was physically removed", e.DeviceID)
}

func IsDeviceRemovedError(err error) bool {
	var t *DeviceRemovedError
	return errors.As(err, &t)
}

// AlreadyFreeError is returned by administrative revoke when the device has
// no lease to revoke.
type AlreadyFreeError struct {
	DeviceID string
}

func NewAlreadyFreeError(deviceID string) *AlreadyFreeError {
	return &AlreadyFreeError{DeviceID: deviceID}
}

func (e *AlreadyFreeError) Error() string {
	return fmt.Sprintf("device %q has no active lease", e.DeviceID)
}

func IsAlreadyFreeError(err error) bool {
	var t *AlreadyFreeError
	return errors.As(err, &t)
}

// LeaseLostError is surfaced by the import agent to its consumer when the
// renewal loop discovers the lease is gone (expired or revoked) while the
// local handle is still open.
type LeaseLostError struct {
	DeviceID string
	Cause    error
}

func NewLeaseLostError(deviceID string, cause error) *LeaseLostError {
	return &LeaseLostError{DeviceID: deviceID, Cause: cause}
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("lease on device %q was lost: %v", e.DeviceID, e.Cause)
}

func (e *LeaseLostError) Unwrap() error { return e.Cause }

func IsLeaseLostError(err error) bool {
	var t *LeaseLostError
	return errors.As(err, &t)
}

// UnauthorizedError is returned when agent authentication fails.
type UnauthorizedError struct{}

func NewUnauthorizedError() *UnauthorizedError { return &UnauthorizedError{} }

func (e *UnauthorizedError) Error() string { return "agent is not authorized" }

func IsUnauthorizedError(err error) bool {
	var t *UnauthorizedError
	return errors.As(err, &t)
}
