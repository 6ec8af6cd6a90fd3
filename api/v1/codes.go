package v1

import (
	"fmt"
	"net/http"

	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

// Error codes carried in ErrorResponse.Code. The client reverses the
// mapping so callers on both sides of the wire see the same typed errors.
const (
	CodeNotFound      = "not_found"
	CodeBusy          = "busy"
	CodeExpired       = "expired"
	CodeInvalidToken  = "invalid_token"
	CodeUnreachable   = "unreachable"
	CodeDeviceRemoved = "device_removed"
	CodeAlreadyFree   = "already_free"
	CodeUnauthorized  = "unauthorized"
	CodeInvalid       = "invalid_request"
	CodeInternal      = "internal"
)

// CodeForError maps a domain error to its wire code and HTTP status.
func CodeForError(err error) (string, int) {
	switch {
	case srvErrors.IsNotFoundError(err):
		return CodeNotFound, http.StatusNotFound
	case srvErrors.IsBusyError(err):
		return CodeBusy, http.StatusConflict
	case srvErrors.IsExpiredError(err):
		return CodeExpired, http.StatusGone
	case srvErrors.IsInvalidTokenError(err):
		return CodeInvalidToken, http.StatusConflict
	case srvErrors.IsUnreachableError(err):
		return CodeUnreachable, http.StatusBadGateway
	case srvErrors.IsDeviceRemovedError(err):
		return CodeDeviceRemoved, http.StatusGone
	case srvErrors.IsAlreadyFreeError(err):
		return CodeAlreadyFree, http.StatusConflict
	case srvErrors.IsUnauthorizedError(err):
		return CodeUnauthorized, http.StatusUnauthorized
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// ErrorForCode rebuilds the typed error for a wire code on the client side.
func ErrorForCode(code, message, deviceID string) error {
	switch code {
	case CodeNotFound:
		return srvErrors.NewDeviceNotFoundError(deviceID)
	case CodeBusy:
		return srvErrors.NewDeviceBusyError(deviceID, "")
	case CodeExpired:
		return srvErrors.NewLeaseExpiredError(deviceID, 0)
	case CodeInvalidToken:
		return srvErrors.NewInvalidTokenError(deviceID, 0)
	case CodeUnreachable:
		return srvErrors.NewUnreachableError(deviceID, 0, nil)
	case CodeDeviceRemoved:
		return srvErrors.NewDeviceRemovedError(deviceID)
	case CodeAlreadyFree:
		return srvErrors.NewAlreadyFreeError(deviceID)
	case CodeUnauthorized:
		return srvErrors.NewUnauthorizedError()
	default:
		return fmt.Errorf("broker error (%s): %s", code, message)
	}
}
